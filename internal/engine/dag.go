package engine

import (
	"fmt"

	"github.com/shaiso/loom/internal/domain"
)

// Node — шаг workflow в графе каналов.
type Node struct {
	// Template — шаблон шага.
	Template *domain.Template

	// ID — идентификатор узла (ID шаблона).
	ID string

	// InDegree — количество входящих рёбер (шагов-источников).
	InDegree int

	// DependsOn — шаги, чьи выходы потребляет этот шаг.
	DependsOn []*Node

	// Dependents — шаги, которые потребляют выходы этого шага.
	Dependents []*Node
}

// sourceWorkflow — источник канала: вход самого workflow.
const sourceWorkflow = ""

// DAG — граф шагов одного workflow, связанных через каналы.
//
// Ребро A → B означает, что B читает канал, который пишет A.
type DAG struct {
	// Nodes — все узлы графа (ID → Node).
	Nodes map[string]*Node

	// RootNodes — шаги, не зависящие от соседей (в порядке шагов).
	RootNodes []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node

	// Sources — канал → ID шага-источника ("" — вход workflow).
	Sources map[string]string

	steps []*Node
}

// BuildDAG строит граф каналов workflow.
//
// Проверяет:
// - у каждого канала не больше одного источника
// - каждый вход шага имеет источник или данные по умолчанию
// - каждый выход workflow производится каким-то шагом
// - отсутствие циклов
func BuildDAG(wf *domain.Template, steps []*domain.Template) (*DAG, error) {
	dag := &DAG{
		Nodes:   make(map[string]*Node, len(steps)),
		Sources: make(map[string]string),
	}

	for _, in := range wf.Inputs {
		if err := dag.addSource(wf.Name, internalInput(in), sourceWorkflow); err != nil {
			return nil, err
		}
	}

	// Первый проход: узлы и источники
	for _, step := range steps {
		node := &Node{
			Template:   step,
			ID:         step.ID.String(),
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
		dag.Nodes[node.ID] = node
		dag.steps = append(dag.steps, node)

		for _, out := range step.Outputs {
			if err := dag.addSource(wf.Name, out.Channel, node.ID); err != nil {
				return nil, err
			}
		}
	}

	// Второй проход: рёбра по входам
	for _, node := range dag.steps {
		if err := dag.linkInputs(wf, node); err != nil {
			return nil, err
		}
	}

	for _, out := range wf.Outputs {
		if _, ok := dag.Sources[internalOutput(out)]; !ok {
			return nil, NewValidationError(wf.Name, "outputs",
				fmt.Sprintf("No source for output channel %q", internalOutput(out)), ErrMissingSource)
		}
	}

	dag.findRootNodes()

	order, err := dag.topologicalSort()
	if err != nil {
		return nil, NewValidationError(wf.Name, "steps", err.Error(), err)
	}
	dag.Order = order

	return dag, nil
}

func internalInput(in domain.TemplateInput) string {
	if in.AsChannel != "" {
		return in.AsChannel
	}
	return in.Channel
}

func internalOutput(out domain.TemplateOutput) string {
	if out.AsChannel != "" {
		return out.AsChannel
	}
	return out.Channel
}

func (d *DAG) addSource(wfName, channel, nodeID string) error {
	if _, exists := d.Sources[channel]; exists {
		return NewValidationError(wfName, "channels",
			fmt.Sprintf("Channel %q has more than one source", channel), ErrMultipleSources)
	}
	d.Sources[channel] = nodeID
	return nil
}

// linkInputs связывает шаг с источниками его входов.
func (d *DAG) linkInputs(wf *domain.Template, node *Node) error {
	for _, in := range node.Template.Inputs {
		src, ok := d.Sources[in.Channel]
		if !ok {
			if in.Data != nil {
				continue
			}
			return NewValidationError(wf.Name, "inputs",
				fmt.Sprintf("No source for channel %q of step %q", in.Channel, node.Template.Name), ErrMissingSource)
		}
		if src == sourceWorkflow {
			continue
		}
		d.addEdge(d.Nodes[src], node)
	}
	return nil
}

// addEdge добавляет ребро между узлами.
// Дополнительно проверяет на дубликаты, чтобы избежать двойного учета InDegree.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return // уже связаны
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер.
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.steps {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	// Если не все узлы обработаны — есть цикл
	if len(order) != len(d.Nodes) {
		return nil, ErrCyclicDependency
	}

	return order, nil
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}
