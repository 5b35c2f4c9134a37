package engine

import "regexp"

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Interpolate replaces ${name} placeholders with values from vars. Unknown
// placeholders are left intact so the failure message shows what was missing.
func Interpolate(s string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// InterpolateParams interpolates every string value of a step's params.
func InterpolateParams(params map[string]any, vars map[string]string) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = Interpolate(s, vars)
		} else {
			out[k] = v
		}
	}
	return out
}
