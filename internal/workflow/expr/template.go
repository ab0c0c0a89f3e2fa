package expr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateTag = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Render substitutes every `{{ expression }}` tag in template with the
// stringified result of evaluating expression against env. A template with
// no tags is returned unchanged without invoking the evaluator.
func (e *Evaluator) Render(ctx context.Context, template string, env Env) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	var firstErr error
	out := templateTag.ReplaceAllStringFunc(template, func(tag string) string {
		if firstErr != nil {
			return tag
		}
		source := templateTag.FindStringSubmatch(tag)[1]
		v, err := e.Eval(ctx, source, env)
		if err != nil {
			firstErr = err
			return tag
		}
		return stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
