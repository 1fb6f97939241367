package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/shaiso/loom/internal/domain"
)

// Context — контекст для рендеринга команды.
//
// Ключ — внутреннее имя входного канала:
//   - {{ .reads }}            — скаляр или имя файла
//   - {{ range .samples }}    — элементы массива
//   - {{ .samples | join "," }}
type Context map[string]any

// Array — значение массива в контексте.
// Печатается элементами через пробел.
type Array []string

// String реализует fmt.Stringer.
func (a Array) String() string {
	return strings.Join(a, " ")
}

// NewContext строит контекст из входов task.
func NewContext(inputs []domain.TaskInput) Context {
	ctx := make(Context, len(inputs))
	for _, in := range inputs {
		ctx[in.Channel] = contextValue(in.Data)
	}
	return ctx
}

func contextValue(obj *domain.DataObject) any {
	if obj == nil {
		return ""
	}
	if obj.IsArray {
		items := make(Array, len(obj.Members))
		for i, m := range obj.Members {
			items[i] = m.Substitution()
		}
		return items
	}
	return obj.Substitution()
}

// templateFuncs — sprig плюс функции, привычные по старым командам.
var templateFuncs = buildFuncs()

func buildFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()

	// json — сериализует значение в JSON строку
	funcs["json"] = func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	}

	// fromJSON — парсит JSON строку
	funcs["fromJSON"] = func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	}

	return funcs
}

// Render рендерит строковый шаблон с контекстом.
//
// Обращение к каналу, которого нет в контексте, — ошибка.
func Render(tmpl string, ctx Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("command").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderCommand подставляет входы task в команду листового run'а.
func RenderCommand(command string, inputs []domain.TaskInput) (string, error) {
	return Render(command, NewContext(inputs))
}
