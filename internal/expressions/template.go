package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/cdflow/pkg/schema"
)

// Render resolves ${{ expr }} tokens in a template string. A template that is
// exactly one token keeps the value's type; otherwise values are inlined as
// text (JSON for composites).
func (ev *Evaluator) Render(ctx context.Context, template string, data map[string]any) (any, error) {
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		return ev.Evaluate(ctx, strings.TrimSpace(trimmed[3:len(trimmed)-2]), data)
	}

	var b strings.Builder
	b.Grow(len(template))
	rest := template
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		end := strings.Index(rest[idx+3:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed ${{ in %q", template)
		}
		body := strings.TrimSpace(rest[idx+3 : idx+3+end])
		if body == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty ${{ }} in %q", template)
		}
		val, err := ev.Evaluate(ctx, body, data)
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
		rest = rest[idx+3+end+2:]
	}
	return b.String(), nil
}

// RenderMap renders every string value of params, recursing into nested maps.
func (ev *Evaluator) RenderMap(ctx context.Context, params map[string]any, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case string:
			if !strings.Contains(val, "${{") {
				out[k] = val
				continue
			}
			rendered, err := ev.Render(ctx, val, data)
			if err != nil {
				return nil, fmt.Errorf("param %s: %w", k, err)
			}
			out[k] = rendered
		case map[string]any:
			nested, err := ev.RenderMap(ctx, val, data)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

func inline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}
