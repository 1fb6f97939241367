package engine

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

func step(name string, inputs []string, outputs []string) *domain.Template {
	tmpl := &domain.Template{
		ID:   uuid.New(),
		Name: name,
		Body: domain.StepBody{Command: "echo " + name},
	}
	for _, ch := range inputs {
		tmpl.Inputs = append(tmpl.Inputs, domain.TemplateInput{Channel: ch, Type: domain.TypeString})
	}
	for _, ch := range outputs {
		tmpl.Outputs = append(tmpl.Outputs, domain.TemplateOutput{
			Channel: ch,
			Type:    domain.TypeString,
			Source:  domain.OutputSource{Stream: "stdout"},
		})
	}
	return tmpl
}

func workflow(inputs []string, outputs []string, steps ...*domain.Template) *domain.Template {
	wf := &domain.Template{ID: uuid.New(), Name: "wf"}
	body := domain.WorkflowBody{}
	for _, s := range steps {
		body.Steps = append(body.Steps, s.ID)
	}
	wf.Body = body
	for _, ch := range inputs {
		wf.Inputs = append(wf.Inputs, domain.TemplateInput{Channel: ch, Type: domain.TypeString})
	}
	for _, ch := range outputs {
		wf.Outputs = append(wf.Outputs, domain.TemplateOutput{Channel: ch, Type: domain.TypeString})
	}
	return wf
}

func TestBuildDAG_SimpleChain(t *testing.T) {
	a := step("A", []string{"in"}, []string{"x"})
	b := step("B", []string{"x"}, []string{"y"})
	c := step("C", []string{"y"}, []string{"out"})
	wf := workflow([]string{"in"}, []string{"out"}, a, b, c)

	dag, err := BuildDAG(wf, []*domain.Template{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dag.Size() != 3 {
		t.Errorf("expected 3 nodes, got %d", dag.Size())
	}
	if len(dag.RootNodes) != 1 || dag.RootNodes[0].Template.Name != "A" {
		t.Fatalf("expected single root A, got %+v", dag.RootNodes)
	}

	nodeB := dag.GetNode(b.ID.String())
	if len(nodeB.DependsOn) != 1 || nodeB.DependsOn[0].Template.Name != "A" {
		t.Error("node B should depend on A")
	}
	nodeC := dag.GetNode(c.ID.String())
	if len(nodeC.DependsOn) != 1 || nodeC.DependsOn[0].Template.Name != "B" {
		t.Error("node C should depend on B")
	}

	if dag.Sources["in"] != "" {
		t.Errorf("workflow input should be its own source, got %q", dag.Sources["in"])
	}
	if dag.Sources["y"] != b.ID.String() {
		t.Errorf("expected B to be the source of y")
	}
}

func TestBuildDAG_Diamond(t *testing.T) {
	// A → B → D
	// A → C → D
	a := step("A", nil, []string{"x"})
	b := step("B", []string{"x"}, []string{"b"})
	c := step("C", []string{"x"}, []string{"c"})
	d := step("D", []string{"b", "c"}, nil)
	wf := workflow(nil, nil, a, b, c, d)

	dag, err := BuildDAG(wf, []*domain.Template{a, b, c, d})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	nodeD := dag.GetNode(d.ID.String())
	if nodeD.InDegree != 2 {
		t.Errorf("node D should have inDegree 2, got %d", nodeD.InDegree)
	}
	if dag.GetNode(a.ID.String()).InDegree != 0 {
		t.Error("A should have inDegree 0")
	}

	if len(dag.Order) != 4 {
		t.Fatalf("expected 4 nodes in order, got %d", len(dag.Order))
	}
	if dag.Order[0].Template.Name != "A" || dag.Order[3].Template.Name != "D" {
		t.Errorf("unexpected order: first %s, last %s", dag.Order[0].Template.Name, dag.Order[3].Template.Name)
	}
}

func TestBuildDAG_SameSourceTwice(t *testing.T) {
	// B читает два канала от A, ребро одно
	a := step("A", nil, []string{"x", "y"})
	b := step("B", []string{"x", "y"}, nil)
	wf := workflow(nil, nil, a, b)

	dag, err := BuildDAG(wf, []*domain.Template{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dag.GetNode(b.ID.String()).InDegree; got != 1 {
		t.Errorf("expected inDegree 1, got %d", got)
	}
}

func TestBuildDAG_Cycle(t *testing.T) {
	a := step("A", []string{"y"}, []string{"x"})
	b := step("B", []string{"x"}, []string{"y"})
	wf := workflow(nil, nil, a, b)

	_, err := BuildDAG(wf, []*domain.Template{a, b})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestBuildDAG_MultipleSources(t *testing.T) {
	a := step("A", []string{"in"}, nil)
	b := step("B", nil, []string{"in"})
	wf := workflow([]string{"in"}, nil, a, b)

	_, err := BuildDAG(wf, []*domain.Template{a, b})
	if !errors.Is(err, ErrMultipleSources) {
		t.Errorf("expected ErrMultipleSources, got %v", err)
	}
}

func TestBuildDAG_MissingSource(t *testing.T) {
	a := step("A", []string{"nowhere"}, nil)
	wf := workflow(nil, nil, a)

	_, err := BuildDAG(wf, []*domain.Template{a})
	if !errors.Is(err, ErrMissingSource) {
		t.Fatalf("expected ErrMissingSource, got %v", err)
	}

	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "inputs" {
		t.Errorf("expected ValidationError on inputs, got %v", err)
	}
}

func TestBuildDAG_DefaultDataSkipsSource(t *testing.T) {
	a := step("A", []string{"ref"}, nil)
	a.Inputs[0].Data = domain.NewLeaf(domain.NewString("hg38.fa"))
	wf := workflow(nil, nil, a)

	if _, err := BuildDAG(wf, []*domain.Template{a}); err != nil {
		t.Errorf("input with default data needs no source, got %v", err)
	}
}

func TestBuildDAG_UnproducedOutput(t *testing.T) {
	a := step("A", nil, []string{"x"})
	wf := workflow(nil, []string{"result"}, a)

	_, err := BuildDAG(wf, []*domain.Template{a})
	if !errors.Is(err, ErrMissingSource) {
		t.Errorf("expected ErrMissingSource, got %v", err)
	}
}

func TestBuildDAG_AsChannel(t *testing.T) {
	// вход workflow "reads" виден шагам как "fastq"
	a := step("A", []string{"fastq"}, nil)
	wf := workflow(nil, nil, a)
	wf.Inputs = []domain.TemplateInput{{Channel: "reads", AsChannel: "fastq", Type: domain.TypeString}}

	dag, err := BuildDAG(wf, []*domain.Template{a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := dag.Sources["reads"]; ok {
		t.Error("outer channel name should not be visible inside the workflow")
	}
}
