package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/shaiso/loom/internal/domain"
)

// ParseText превращает текст выхода в список значений.
//
//   - delimited: delimiter (по умолчанию — пробельные символы), trim
//     (по умолчанию true: элементы обрезаются, пустые отбрасываются)
//   - jq: expression применяется к тексту как к JSON; массивы в
//     результате разворачиваются
func ParseText(ctx context.Context, text string, p *domain.OutputParser) ([]any, error) {
	switch p.Type {
	case domain.ParserDelimited:
		return parseDelimited(text, p.Options), nil
	case domain.ParserJQ:
		return parseJQ(ctx, text, p.Options["expression"])
	default:
		return nil, fmt.Errorf("%w: unknown parser %q", ErrParse, p.Type)
	}
}

func parseDelimited(text string, opts map[string]string) []any {
	delimiter := opts["delimiter"]
	trim := opts["trim"] != "false"

	var parts []string
	if delimiter == "" {
		parts = strings.Fields(text)
	} else {
		parts = strings.Split(text, delimiter)
	}

	items := make([]any, 0, len(parts))
	for _, part := range parts {
		if trim {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
		}
		items = append(items, part)
	}
	return items
}

func parseJQ(ctx context.Context, text, expression string) ([]any, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: jq parse: %v", ErrParse, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("%w: jq compile: %v", ErrParse, err)
	}

	var input any
	if err := json.Unmarshal([]byte(text), &input); err != nil {
		return nil, fmt.Errorf("%w: output is not JSON: %v", ErrParse, err)
	}

	var items []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("%w: jq: %v", ErrParse, err)
		}
		if arr, isArr := v.([]any); isArr {
			items = append(items, arr...)
			continue
		}
		items = append(items, v)
	}
	return items, nil
}
