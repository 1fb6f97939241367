package engine

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/loom/internal/domain"
)

// channelPattern — имя канала должно быть идентификатором,
// чтобы его можно было использовать в команде ({{ .reads }}).
var channelPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Допустимые потоки для source.stream.
var validStreams = map[string]bool{
	"stdout": true,
	"stderr": true,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return channelPattern.MatchString(fl.Field().String())
	})
	return v
}

// templateDoc — шаблон в YAML/JSON (YAML — надмножество JSON).
type templateDoc struct {
	Name        string             `yaml:"name" validate:"required,max=255"`
	Command     string             `yaml:"command"`
	Interpreter string             `yaml:"interpreter"`
	Environment domain.Environment `yaml:"environment"`
	Resources   resourcesDoc       `yaml:"resources"`
	Inputs      []inputDoc         `yaml:"inputs" validate:"dive"`
	Outputs     []outputDoc        `yaml:"outputs" validate:"dive"`
	Steps       []*templateDoc     `yaml:"steps" validate:"dive"`
}

type resourcesDoc struct {
	Cores    int     `yaml:"cores" validate:"gte=0"`
	Memory   float64 `yaml:"memory" validate:"gte=0"`
	DiskSize int     `yaml:"disk_size" validate:"gte=0"`
}

type inputDoc struct {
	Channel   string `yaml:"channel" validate:"required,channel"`
	AsChannel string `yaml:"as_channel" validate:"omitempty,channel"`
	Type      string `yaml:"type" validate:"required,oneof=boolean float file integer string"`
	Mode      string `yaml:"mode"`
	Group     int    `yaml:"group" validate:"gte=0"`
	Hint      string `yaml:"hint"`
	Data      any    `yaml:"data"`
}

type outputDoc struct {
	Channel   string              `yaml:"channel" validate:"required,channel"`
	AsChannel string              `yaml:"as_channel" validate:"omitempty,channel"`
	Type      string              `yaml:"type" validate:"required,oneof=boolean float file integer string"`
	Mode      string              `yaml:"mode" validate:"omitempty,oneof=no_scatter scatter"`
	Source    domain.OutputSource `yaml:"source"`
	Parser    *parserDoc          `yaml:"parser"`
}

type parserDoc struct {
	Type    string            `yaml:"type" validate:"required,oneof=delimited jq"`
	Options map[string]string `yaml:"options"`
}

// TemplateTree — разобранное дерево шаблонов.
type TemplateTree struct {
	// Root — корневой шаблон.
	Root *domain.Template

	// Nodes — все шаблоны дерева по ID.
	Nodes map[uuid.UUID]*domain.Template

	// Order — обход в прямом порядке (корень первым).
	Order []*domain.Template
}

// Steps возвращает дочерние шаблоны workflow в порядке объявления.
func (t *TemplateTree) Steps(tmpl *domain.Template) []*domain.Template {
	wf, ok := tmpl.Body.(domain.WorkflowBody)
	if !ok {
		return nil
	}
	out := make([]*domain.Template, 0, len(wf.Steps))
	for _, id := range wf.Steps {
		if child, ok := t.Nodes[id]; ok {
			out = append(out, child)
		}
	}
	return out
}

// ParseTemplate разбирает шаблон из YAML или JSON и валидирует его.
func ParseTemplate(data []byte) (*TemplateTree, error) {
	var doc templateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, NewValidationError("", "", fmt.Sprintf("cannot parse template: %v", err), ErrInvalidDocument)
	}

	if err := validate.Struct(&doc); err != nil {
		return nil, fromValidatorError(doc.Name, err)
	}

	tree := &TemplateTree{Nodes: make(map[uuid.UUID]*domain.Template)}
	root, err := tree.build(&doc)
	if err != nil {
		return nil, err
	}
	tree.Root = root

	if err := ValidateTree(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func fromValidatorError(name string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return NewValidationError(name, fe.Field(),
			fmt.Sprintf("field %s failed on %q", fe.Namespace(), fe.Tag()), ErrInvalidDocument)
	}
	return NewValidationError(name, "", err.Error(), ErrInvalidDocument)
}

// build превращает документ в domain.Template, рекурсивно для шагов.
func (t *TemplateTree) build(doc *templateDoc) (*domain.Template, error) {
	tmpl := &domain.Template{
		ID:        uuid.New(),
		Name:      doc.Name,
		CreatedAt: time.Now(),
	}
	t.Nodes[tmpl.ID] = tmpl
	t.Order = append(t.Order, tmpl)

	hasCommand := doc.Command != ""
	hasSteps := len(doc.Steps) > 0
	switch {
	case hasCommand && !hasSteps:
		tmpl.Body = domain.StepBody{
			Command:     doc.Command,
			Interpreter: doc.Interpreter,
			Environment: doc.Environment,
			Resources: domain.Resources{
				Cores:    doc.Resources.Cores,
				Memory:   doc.Resources.Memory,
				DiskSize: doc.Resources.DiskSize,
			},
		}
	case hasSteps && !hasCommand:
		wf := domain.WorkflowBody{Steps: make([]uuid.UUID, 0, len(doc.Steps))}
		for _, stepDoc := range doc.Steps {
			child, err := t.build(stepDoc)
			if err != nil {
				return nil, err
			}
			wf.Steps = append(wf.Steps, child.ID)
		}
		tmpl.Body = wf
	default:
		return nil, NewValidationError(doc.Name, "command", "template must have either a command or steps", ErrAmbiguousKind)
	}

	for _, in := range doc.Inputs {
		input, err := buildInput(doc.Name, in)
		if err != nil {
			return nil, err
		}
		tmpl.Inputs = append(tmpl.Inputs, input)
	}
	for _, out := range doc.Outputs {
		output, err := buildOutput(doc.Name, out)
		if err != nil {
			return nil, err
		}
		tmpl.Outputs = append(tmpl.Outputs, output)
	}

	return tmpl, nil
}

func buildInput(name string, doc inputDoc) (domain.TemplateInput, error) {
	typ, err := domain.ParseDataType(doc.Type)
	if err != nil {
		return domain.TemplateInput{}, NewValidationError(name, "type", err.Error(), ErrInvalidChannel)
	}
	mode, err := domain.ParseInputMode(doc.Mode)
	if err != nil {
		return domain.TemplateInput{}, NewValidationError(name, "mode", err.Error(), ErrInvalidChannel)
	}
	in := domain.TemplateInput{
		Channel:   doc.Channel,
		AsChannel: doc.AsChannel,
		Type:      typ,
		Mode:      mode,
		Group:     doc.Group,
		Hint:      doc.Hint,
	}
	if doc.Data != nil {
		node, err := BuildDataNode(typ, doc.Data)
		if err != nil {
			return domain.TemplateInput{}, NewValidationError(name, "data",
				fmt.Sprintf("channel %q: %v", doc.Channel, err), ErrInvalidData)
		}
		in.Data = node
	}
	return in, nil
}

func buildOutput(name string, doc outputDoc) (domain.TemplateOutput, error) {
	typ, err := domain.ParseDataType(doc.Type)
	if err != nil {
		return domain.TemplateOutput{}, NewValidationError(name, "type", err.Error(), ErrInvalidChannel)
	}
	mode, err := domain.ParseOutputMode(doc.Mode)
	if err != nil {
		return domain.TemplateOutput{}, NewValidationError(name, "mode", err.Error(), ErrInvalidChannel)
	}
	out := domain.TemplateOutput{
		Channel:   doc.Channel,
		AsChannel: doc.AsChannel,
		Type:      typ,
		Mode:      mode,
		Source:    doc.Source,
	}
	if doc.Parser != nil {
		out.Parser = &domain.OutputParser{
			Type:    domain.ParserType(doc.Parser.Type),
			Options: doc.Parser.Options,
		}
	}
	return out, nil
}

// BuildDataNode строит дерево данных из значения YAML/JSON.
//
// Скаляр становится листом, список — уровнем разветвления, вложенные
// списки — более глубокими уровнями. Файлы по ссылке здесь не
// поддерживаются: их разрешает API при импорте.
func BuildDataNode(t domain.DataType, value any) (*domain.DataNode, error) {
	if t == domain.TypeFile {
		return nil, fmt.Errorf("%w: file data must be imported", domain.ErrTypeMismatch)
	}
	return BuildDataNodeWith(value, func(v any) (*domain.DataObject, error) {
		return domain.NewValue(t, v)
	})
}

// LeafFunc превращает скалярное значение в DataObject.
type LeafFunc func(value any) (*domain.DataObject, error)

// BuildDataNodeWith строит дерево, создавая листья через leaf.
// Так API подставляет файлы по ссылке "name@id".
func BuildDataNodeWith(value any, leaf LeafFunc) (*domain.DataNode, error) {
	root := &domain.DataNode{}
	if err := addValue(root, leaf, value, domain.DataPath{}); err != nil {
		return nil, err
	}
	if _, _, err := root.Height(); err != nil {
		return nil, err
	}
	return root, nil
}

func addValue(root *domain.DataNode, leaf LeafFunc, value any, path domain.DataPath) error {
	if list, ok := value.([]any); ok {
		if len(list) == 0 {
			return fmt.Errorf("%w: empty list", domain.ErrInvalidValue)
		}
		for i, item := range list {
			next := path.Append(domain.PathStep{Index: i, Degree: len(list)})
			if err := addValue(root, leaf, item, next); err != nil {
				return err
			}
		}
		return nil
	}
	obj, err := leaf(value)
	if err != nil {
		return err
	}
	return root.AddDataObject(path, obj)
}

// ValidateTree выполняет семантическую проверку дерева шаблонов.
//
// Проверяет:
// - Уникальность каналов входов и выходов
// - Источники выходов шагов и параметры парсеров
// - Граф каналов каждого workflow (через BuildDAG)
func ValidateTree(tree *TemplateTree) error {
	for _, tmpl := range tree.Order {
		if err := validateChannels(tmpl); err != nil {
			return err
		}
		switch tmpl.Body.(type) {
		case domain.StepBody:
			if err := validateStepOutputs(tmpl); err != nil {
				return err
			}
		case domain.WorkflowBody:
			steps := tree.Steps(tmpl)
			if len(steps) == 0 {
				return NewValidationError(tmpl.Name, "steps", "workflow has no steps", ErrEmptyWorkflow)
			}
			if _, err := BuildDAG(tmpl, steps); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateChannels(tmpl *domain.Template) error {
	seen := make(map[string]bool)
	for _, in := range tmpl.Inputs {
		if seen[in.Channel] {
			return NewValidationError(tmpl.Name, "inputs",
				fmt.Sprintf("Duplicate input channel %q", in.Channel), ErrDuplicateChannel)
		}
		seen[in.Channel] = true
	}

	seen = make(map[string]bool)
	for _, out := range tmpl.Outputs {
		if seen[out.Channel] {
			return NewValidationError(tmpl.Name, "outputs",
				fmt.Sprintf("Duplicate output channel %q", out.Channel), ErrDuplicateChannel)
		}
		seen[out.Channel] = true
	}
	return nil
}

func validateStepOutputs(tmpl *domain.Template) error {
	for _, out := range tmpl.Outputs {
		src := out.Source
		switch {
		case src.Filename == "" && src.Stream == "":
			return NewValidationError(tmpl.Name, "outputs",
				fmt.Sprintf("output %q needs source.filename or source.stream", out.Channel), ErrInvalidChannel)
		case src.Filename != "" && src.Stream != "":
			return NewValidationError(tmpl.Name, "outputs",
				fmt.Sprintf("output %q has both source.filename and source.stream", out.Channel), ErrInvalidChannel)
		case src.Stream != "" && !validStreams[src.Stream]:
			return NewValidationError(tmpl.Name, "outputs",
				fmt.Sprintf("output %q: unknown stream %q", out.Channel, src.Stream), ErrInvalidChannel)
		}

		if out.Parser != nil && out.Parser.Type == domain.ParserJQ && out.Parser.Options["expression"] == "" {
			return NewValidationError(tmpl.Name, "outputs",
				fmt.Sprintf("output %q: jq parser needs options.expression", out.Channel), ErrInvalidChannel)
		}
		if out.Mode == domain.ModeScatter && out.Parser == nil && out.Type != domain.TypeFile {
			return NewValidationError(tmpl.Name, "outputs",
				fmt.Sprintf("output %q: scatter of a non-file output needs a parser", out.Channel), ErrInvalidChannel)
		}
	}
	return nil
}
