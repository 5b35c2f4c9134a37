// Package engine runs individual script steps on the agent. Engines are
// selected per script framework; the simulation engine is the fallback and
// the one exercised in tests.
package engine

import (
	"context"
	"fmt"

	"github.com/mkoppel/testrig/internal/model"
)

// Outcome is the result of running one step.
type Outcome struct {
	Success bool
	Message string
}

// Engine executes script steps.
type Engine interface {
	Name() string
	RunStep(ctx context.Context, step model.Step, vars map[string]string) Outcome
}

// Screenshotter is implemented by engines that can capture the current
// screen. The runner uploads a capture when a step fails.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Factory builds engines by framework name.
type Factory struct {
	builders map[string]func() Engine
}

// NewFactory returns a factory with the simulation engine registered.
func NewFactory() *Factory {
	f := &Factory{builders: map[string]func() Engine{}}
	f.Register("sim", func() Engine { return NewSim() })
	return f
}

// Register adds a builder for a framework name.
func (f *Factory) Register(framework string, build func() Engine) {
	f.builders[framework] = build
}

// Get returns an engine for the framework; an empty framework gets the
// simulation engine.
func (f *Factory) Get(framework string) (Engine, error) {
	if framework == "" {
		framework = "sim"
	}
	build, ok := f.builders[framework]
	if !ok {
		return nil, fmt.Errorf("no engine for framework %q", framework)
	}
	return build(), nil
}
