package reconcile

import "github.com/trailside/yetilink/pkg/models"

// DeepMerge merges src into dst and returns the result: per-key override,
// recursive for nested objects, arrays replaced wholesale. dst is not
// mutated. Merging the same src twice is idempotent.
func DeepMerge(dst, src models.Fields) models.Fields {
	if len(src) == 0 {
		return models.CloneFields(dst)
	}

	out := models.CloneFields(dst)
	if out == nil {
		out = make(models.Fields, len(src))
	}

	for key, sv := range src {
		dv, exists := out[key]
		if !exists {
			out[key] = cloneValue(sv)
			continue
		}

		dm, dOK := asMap(dv)
		sm, sOK := asMap(sv)
		if dOK && sOK {
			out[key] = map[string]any(DeepMerge(dm, sm))
			continue
		}

		out[key] = cloneValue(sv)
	}
	return out
}

// ContainsSubset reports whether have structurally contains every key of
// want, recursing into nested objects. Extra keys in have are ignored;
// arrays must match exactly.
func ContainsSubset(have, want models.Fields) bool {
	for key, wv := range want {
		hv, ok := have[key]
		if !ok {
			return false
		}

		hm, hOK := asMap(hv)
		wm, wOK := asMap(wv)
		if hOK && wOK {
			if !ContainsSubset(hm, wm) {
				return false
			}
			continue
		}

		if !valueEqual(hv, wv) {
			return false
		}
	}
	return true
}

func asMap(v any) (models.Fields, bool) {
	switch m := v.(type) {
	case map[string]any:
		return models.Fields(m), true
	case models.Fields:
		return m, true
	}
	return nil, false
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(models.CloneFields(val))
	case models.Fields:
		return map[string]any(models.CloneFields(val))
	case []any:
		cp := make([]any, len(val))
		copy(cp, val)
		return cp
	}
	return v
}

func valueEqual(a, b any) bool {
	if av, ok := a.([]any); ok {
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			am, aOK := asMap(av[i])
			bm, bOK := asMap(bv[i])
			if aOK && bOK {
				if !ContainsSubset(am, bm) || !ContainsSubset(bm, am) {
					return false
				}
				continue
			}
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	am, aOK := asMap(a)
	bm, bOK := asMap(b)
	if aOK && bOK {
		return ContainsSubset(am, bm) && ContainsSubset(bm, am)
	}

	return numericEqual(a, b) || a == b
}

// numericEqual compares numbers across Go's JSON decoding types. Patches
// built in code carry ints; decoded deltas carry float64.
func numericEqual(a, b any) bool {
	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	return aOK && bOK && af == bf
}

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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
