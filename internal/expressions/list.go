package expressions

import (
	"reflect"
	"strings"
)

// ToList normalizes an evaluation result into []any. Strings are split on
// commas, the way users write repeat element lists ("us-east-1, eu-west-1").
// Other scalars become a one-element list; maps are rejected.
func ToList(v any) ([]any, bool) {
	switch val := v.(type) {
	case nil:
		return []any{}, true
	case []any:
		return val, true
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	case string:
		if strings.TrimSpace(val) == "" {
			return []any{}, true
		}
		parts := strings.Split(val, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	case reflect.Map, reflect.Struct, reflect.Func, reflect.Chan:
		return nil, false
	}
	return []any{v}, true
}
