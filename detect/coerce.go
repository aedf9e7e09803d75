package detect

import "github.com/narrativelabs/driftwatch/kgraph"

// Property values arrive either as native Go types (set by collectors) or
// as the looser shapes encoding/json produces after a checkpoint restore
// (float64 numbers, []any slices, map[string]any maps). The helpers below
// accept both so detectors behave identically across a restart.

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toFloatMap(v any) map[string]float64 {
	switch m := v.(type) {
	case map[string]float64:
		out := make(map[string]float64, len(m))
		for k, f := range m {
			out[k] = f
		}
		return out
	case map[string]any:
		out := make(map[string]float64, len(m))
		for k, raw := range m {
			if f, ok := toFloat(raw); ok {
				out[k] = f
			}
		}
		return out
	}
	return nil
}

func toStringSet(v any) map[string]struct{} {
	switch s := v.(type) {
	case []string:
		out := make(map[string]struct{}, len(s))
		for _, w := range s {
			out[w] = struct{}{}
		}
		return out
	case []any:
		out := make(map[string]struct{}, len(s))
		for _, raw := range s {
			if w, ok := raw.(string); ok {
				out[w] = struct{}{}
			}
		}
		return out
	}
	return nil
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func propString(e kgraph.Entity, key string) (string, bool) {
	p, ok := e.Property(key)
	if !ok {
		return "", false
	}
	return toString(p.Value)
}

func propFloatMap(e kgraph.Entity, key string) map[string]float64 {
	p, ok := e.Property(key)
	if !ok {
		return nil
	}
	return toFloatMap(p.Value)
}

func propStringSet(e kgraph.Entity, key string) map[string]struct{} {
	p, ok := e.Property(key)
	if !ok {
		return nil
	}
	return toStringSet(p.Value)
}
