package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/loom/internal/domain"
)

const alignWorkflow = `
name: align
inputs:
  - channel: reads
    type: string
  - channel: ref
    type: string
    data: hg38.fa
outputs:
  - channel: sam
    type: string
steps:
  - name: split
    command: split {{ .reads }}
    inputs:
      - channel: reads
        type: string
    outputs:
      - channel: chunks
        type: string
        mode: scatter
        source: {stream: stdout}
        parser: {type: delimited, options: {delimiter: "\n"}}
  - name: bwa
    command: bwa mem {{ .ref }} {{ .chunks }}
    resources: {cores: 4, memory: 16}
    environment: {docker_image: "biocontainers/bwa:0.7.17"}
    inputs:
      - channel: ref
        type: string
      - channel: chunks
        type: string
    outputs:
      - channel: sam
        type: string
        source: {filename: out.sam}
`

func TestParseTemplate_Workflow(t *testing.T) {
	tree, err := ParseTemplate([]byte(alignWorkflow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tree.Root.Name != "align" || tree.Root.IsLeaf() {
		t.Fatalf("expected workflow root 'align', got %+v", tree.Root)
	}
	if len(tree.Order) != 3 {
		t.Errorf("expected 3 templates, got %d", len(tree.Order))
	}

	steps := tree.Steps(tree.Root)
	if len(steps) != 2 || steps[0].Name != "split" || steps[1].Name != "bwa" {
		t.Fatalf("unexpected steps: %+v", steps)
	}

	body, ok := steps[1].Body.(domain.StepBody)
	if !ok {
		t.Fatalf("expected StepBody, got %T", steps[1].Body)
	}
	if body.Resources.Cores != 4 || body.Resources.Memory != 16 {
		t.Errorf("resources not parsed: %+v", body.Resources)
	}
	if body.Environment.DockerImage != "biocontainers/bwa:0.7.17" {
		t.Errorf("docker image not parsed: %q", body.Environment.DockerImage)
	}

	ref, ok := tree.Root.Input("ref")
	if !ok || ref.Data == nil || ref.Data.Data.Value != "hg38.fa" {
		t.Errorf("default data not parsed: %+v", ref)
	}

	if steps[0].Outputs[0].Mode != domain.ModeScatter {
		t.Errorf("expected scatter mode, got %q", steps[0].Outputs[0].Mode)
	}
}

func TestParseTemplate_JSON(t *testing.T) {
	doc := `{"name": "hello", "command": "echo {{ .who }}", "inputs": [{"channel": "who", "type": "string", "data": ["a", "b"]}]}`

	tree, err := ParseTemplate([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in, _ := tree.Root.Input("who")
	if in.Data == nil || len(in.Data.Leaves()) != 2 {
		t.Errorf("expected 2 scattered default values, got %+v", in.Data)
	}
}

func TestParseTemplate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name:    "not yaml",
			doc:     "name: [",
			wantErr: ErrInvalidDocument,
		},
		{
			name:    "missing name",
			doc:     "command: echo",
			wantErr: ErrInvalidDocument,
		},
		{
			name:    "bad channel name",
			doc:     "name: x\ncommand: echo\ninputs: [{channel: 'a-b', type: string}]",
			wantErr: ErrInvalidDocument,
		},
		{
			name:    "unknown type",
			doc:     "name: x\ncommand: echo\ninputs: [{channel: a, type: blob}]",
			wantErr: ErrInvalidDocument,
		},
		{
			name:    "command and steps",
			doc:     "name: x\ncommand: echo\nsteps: [{name: y, command: echo}]",
			wantErr: ErrAmbiguousKind,
		},
		{
			name:    "neither command nor steps",
			doc:     "name: x",
			wantErr: ErrAmbiguousKind,
		},
		{
			name:    "bad mode",
			doc:     "name: x\ncommand: echo\ninputs: [{channel: a, type: string, mode: 'gather(x)'}]",
			wantErr: ErrInvalidChannel,
		},
		{
			name:    "duplicate input",
			doc:     "name: x\ncommand: echo\ninputs: [{channel: a, type: string}, {channel: a, type: integer}]",
			wantErr: ErrDuplicateChannel,
		},
		{
			name:    "bad default data",
			doc:     "name: x\ncommand: echo\ninputs: [{channel: a, type: integer, data: abc}]",
			wantErr: ErrInvalidData,
		},
		{
			name:    "uneven default data",
			doc:     "name: x\ncommand: echo\ninputs: [{channel: a, type: integer, data: [1, [2, 3]]}]",
			wantErr: ErrInvalidData,
		},
		{
			name:    "output without source",
			doc:     "name: x\ncommand: echo\noutputs: [{channel: a, type: string}]",
			wantErr: ErrInvalidChannel,
		},
		{
			name:    "jq without expression",
			doc:     "name: x\ncommand: echo\noutputs: [{channel: a, type: string, source: {stream: stdout}, parser: {type: jq}}]",
			wantErr: ErrInvalidChannel,
		},
		{
			name: "two sources",
			doc: `
name: wf
steps:
  - name: a
    command: echo
    outputs: [{channel: x, type: string, source: {stream: stdout}}]
  - name: b
    command: echo
    outputs: [{channel: x, type: string, source: {stream: stdout}}]
`,
			wantErr: ErrMultipleSources,
		},
		{
			name: "missing source",
			doc: `
name: wf
steps:
  - name: a
    command: echo
    inputs: [{channel: x, type: string}]
`,
			wantErr: ErrMissingSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate([]byte(tt.doc))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestBuildDataNode(t *testing.T) {
	node, err := BuildDataNode(domain.TypeInteger, []any{[]any{1, 2}, []any{3, 4}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, ok, err := node.Height()
	if err != nil || !ok || h != 2 {
		t.Errorf("expected height 2, got %d ok=%v err=%v", h, ok, err)
	}

	if _, err := BuildDataNode(domain.TypeFile, "x.txt"); !errors.Is(err, domain.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch for file data, got %v", err)
	}
	if _, err := BuildDataNode(domain.TypeString, []any{}); !errors.Is(err, domain.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for empty list, got %v", err)
	}
}

func TestBuildDataNodeWith(t *testing.T) {
	res := domain.NewFileResource("r1.fq", domain.FileSourceImported)
	var seen []any
	node, err := BuildDataNodeWith([]any{"r1.fq@1234", "r1.fq@1234"}, func(v any) (*domain.DataObject, error) {
		seen = append(seen, v)
		return domain.NewFile(res), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("expected leaf func to be called twice, got %d", len(seen))
	}
	if len(node.Leaves()) != 2 || node.Leaves()[0].Data.File.Filename != "r1.fq" {
		t.Errorf("unexpected leaves: %+v", node.Leaves())
	}
}
