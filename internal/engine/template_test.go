package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/loom/internal/domain"
)

func TestNewContext(t *testing.T) {
	arr, err := domain.NewArray(domain.TypeInteger, []*domain.DataObject{domain.NewInteger(1), domain.NewInteger(2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := domain.NewFileResource("reads.fastq", domain.FileSourceImported)

	ctx := NewContext([]domain.TaskInput{
		{Channel: "name", Type: domain.TypeString, Data: domain.NewString("test")},
		{Channel: "nums", Type: domain.TypeInteger, Data: arr},
		{Channel: "reads", Type: domain.TypeFile, Data: domain.NewFile(res)},
	})

	if ctx["name"] != "test" {
		t.Errorf("expected 'test', got %v", ctx["name"])
	}
	if ctx["reads"] != "reads.fastq" {
		t.Errorf("file should render as filename, got %v", ctx["reads"])
	}
	if a, ok := ctx["nums"].(Array); !ok || len(a) != 2 {
		t.Errorf("expected Array of 2, got %#v", ctx["nums"])
	}
}

func TestRender(t *testing.T) {
	ctx := Context{
		"name":  "test",
		"count": "42",
		"files": Array{"a.txt", "b.txt"},
	}

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"no template", "echo hello", "echo hello"},
		{"scalar", "echo {{ .name }}", "echo test"},
		{"two inputs", "{{ .name }}-{{ .count }}", "test-42"},
		{"array prints space separated", "cat {{ .files }}", "cat a.txt b.txt"},
		{"range over array", "{{ range .files }}[{{ . }}]{{ end }}", "[a.txt][b.txt]"},
		{"sprig join", `{{ .files | join "," }}`, "a.txt,b.txt"},
		{"sprig upper", "{{ .name | upper }}", "TEST"},
		{"json helper", "{{ json .name }}", `"test"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRender_MissingChannel(t *testing.T) {
	_, err := Render("echo {{ .missing }}", Context{"name": "x"})
	if !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
}

func TestRender_ParseError(t *testing.T) {
	_, err := Render("echo {{ .name ", Context{})
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestRenderCommand(t *testing.T) {
	cmd, err := RenderCommand("bwa mem {{ .ref }} {{ .reads }} > out.sam", []domain.TaskInput{
		{Channel: "ref", Data: domain.NewString("hg38.fa")},
		{Channel: "reads", Data: domain.NewString("r1.fq")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != "bwa mem hg38.fa r1.fq > out.sam" {
		t.Errorf("unexpected command %q", cmd)
	}
}
