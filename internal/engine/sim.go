package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/mkoppel/testrig/internal/model"
)

// Sim is the simulation engine: it interprets a small step vocabulary
// without driving a real browser, which is enough for smoke runs and the
// test suite.
type Sim struct{}

// NewSim returns a simulation engine.
func NewSim() *Sim { return &Sim{} }

// Name implements Engine.
func (s *Sim) Name() string { return "sim" }

// RunStep implements Engine.
func (s *Sim) RunStep(ctx context.Context, step model.Step, vars map[string]string) Outcome {
	params := InterpolateParams(step.Params, vars)

	switch step.Type {
	case "wait":
		return s.wait(ctx, params)
	case "log":
		return Outcome{Success: true, Message: stringParam(params, "message")}
	case "fail":
		msg := stringParam(params, "message")
		if msg == "" {
			msg = "forced failure"
		}
		return Outcome{Success: false, Message: msg}
	case "assert":
		return s.assert(params)
	default:
		return Outcome{Success: false, Message: fmt.Sprintf("unsupported step type %q", step.Type)}
	}
}

// Screenshot implements Screenshotter with a placeholder frame; there is
// no real screen to capture.
func (s *Sim) Screenshot(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Sim) wait(ctx context.Context, params map[string]any) Outcome {
	ms := intParam(params, "duration_ms")
	if ms <= 0 {
		ms = 100
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Outcome{Success: false, Message: "interrupted"}
	case <-timer.C:
		return Outcome{Success: true, Message: fmt.Sprintf("waited %dms", ms)}
	}
}

func (s *Sim) assert(params map[string]any) Outcome {
	expected := stringParam(params, "expected")
	actual := stringParam(params, "actual")
	if expected == actual {
		return Outcome{Success: true, Message: "assertion passed"}
	}
	return Outcome{
		Success: false,
		Message: fmt.Sprintf("assertion failed: expected %q, got %q", expected, actual),
	}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// JSON numbers decode as float64.
		return int(v)
	default:
		return 0
	}
}
