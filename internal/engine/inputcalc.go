package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shaiso/loom/internal/domain"
)

// ChannelInput — вход листового run'а для расчёта наборов.
type ChannelInput struct {
	// Channel — внутреннее имя канала (ключ в InputSet).
	Channel string

	// Tree — текущий снимок дерева данных канала.
	Tree *domain.DataNode

	// Mode — no_gather, gather или gather(n).
	Mode domain.InputMode

	// Group — группа выравнивания (0 по умолчанию).
	Group int
}

// Trigger — событие "в канал пришли данные по пути".
type Trigger struct {
	Channel string
	Path    domain.DataPath
}

// InputSet — один полный набор входов для одного task.
type InputSet struct {
	// Path — путь task: конкатенация путей групп по возрастанию номера группы.
	Path domain.DataPath

	// Nodes — канал → узел: лист для no_gather, поддерево для gather.
	Nodes map[string]*domain.DataNode

	// units — канал → путь узла в дереве канала.
	units map[string]domain.DataPath
}

// Key возвращает ключ дедупликации набора.
func (s InputSet) Key() string {
	return s.Path.String()
}

// InputCalculator вычисляет готовые наборы входов листового run'а.
//
// Правила выравнивания:
//   - эффективная глубина входа = высота дерева − глубина gather
//   - входы одной группы выравниваются поэлементно (dot product):
//     более мелкий вход повторяется вдоль ведущих индексов самого глубокого
//   - разные группы комбинируются декартовым произведением
//
// Набор готов, когда каждый его узел присутствует и IsReady.
type InputCalculator struct {
	inputs []ChannelInput
}

// NewInputCalculator создаёт калькулятор для входов run'а.
func NewInputCalculator(inputs []ChannelInput) *InputCalculator {
	return &InputCalculator{inputs: inputs}
}

// Calculate возвращает новые наборы, затронутые trigger.
//
// trigger=nil — без фильтра (все готовые наборы). Наборы с ключами
// из emitted пропускаются, поэтому повторная доставка события ничего
// не создаёт. Без входов существует ровно один пустой набор.
func (c *InputCalculator) Calculate(trigger *Trigger, emitted map[string]bool) ([]InputSet, error) {
	if trigger != nil && len(c.inputs) > 0 && !c.hasChannel(trigger.Channel) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInputChannel, trigger.Channel)
	}

	all, err := c.combinations()
	if err != nil {
		return nil, err
	}

	var out []InputSet
	for _, set := range all {
		if emitted[set.Key()] {
			continue
		}
		if trigger != nil && !set.touches(*trigger) {
			continue
		}
		out = append(out, set)
	}
	return out, nil
}

// All возвращает все готовые наборы (для проверки завершения run'а).
func (c *InputCalculator) All() ([]InputSet, error) {
	return c.combinations()
}

func (c *InputCalculator) hasChannel(channel string) bool {
	for _, in := range c.inputs {
		if in.Channel == channel {
			return true
		}
	}
	return false
}

// touches — набор содержит данные, пришедшие по trigger.
// Путь события может быть выше узла набора (корень) или внутри него (gather).
func (s InputSet) touches(t Trigger) bool {
	unit, ok := s.units[t.Channel]
	if !ok {
		return false
	}
	return unit.HasPrefix(t.Path) || t.Path.HasPrefix(unit)
}

// preparedInput — вход с вычисленной эффективной глубиной.
type preparedInput struct {
	ChannelInput
	depth int
}

// groupCombo — готовая комбинация внутри одной группы.
type groupCombo struct {
	path  domain.DataPath
	nodes map[string]*domain.DataNode
	units map[string]domain.DataPath
}

func (c *InputCalculator) combinations() ([]InputSet, error) {
	if len(c.inputs) == 0 {
		return []InputSet{{
			Path:  domain.DataPath{},
			Nodes: map[string]*domain.DataNode{},
			units: map[string]domain.DataPath{},
		}}, nil
	}

	groups := make(map[int][]preparedInput)
	for _, in := range c.inputs {
		p, ready, err := prepare(in)
		if err != nil {
			return nil, err
		}
		if !ready {
			// Глубина канала ещё неизвестна — данных нет.
			return nil, nil
		}
		groups[in.Group] = append(groups[in.Group], p)
	}

	keys := make([]int, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Ints(keys)

	sets := []InputSet{{
		Path:  domain.DataPath{},
		Nodes: map[string]*domain.DataNode{},
		units: map[string]domain.DataPath{},
	}}
	for _, g := range keys {
		combos, err := groupCombos(groups[g])
		if err != nil {
			return nil, err
		}
		sets = cross(sets, combos)
		if len(sets) == 0 {
			return nil, nil
		}
	}
	return sets, nil
}

func prepare(in ChannelInput) (preparedInput, bool, error) {
	height, ok, err := in.Tree.Height()
	if err != nil {
		return preparedInput{}, false, fmt.Errorf("channel %q: %w", in.Channel, err)
	}
	if !ok {
		return preparedInput{}, false, nil
	}
	depth := height - in.Mode.GatherDepth()
	if depth < 0 {
		return preparedInput{}, false, fmt.Errorf("%w: channel %q has depth %d, mode %s",
			ErrGatherTooDeep, in.Channel, height, in.Mode)
	}
	return preparedInput{ChannelInput: in, depth: depth}, true, nil
}

// groupCombos перечисляет готовые комбинации одной группы.
// Пути берутся из самого глубокого входа; остальные берут префикс пути.
func groupCombos(ins []preparedInput) ([]groupCombo, error) {
	deepest := ins[0]
	for _, in := range ins[1:] {
		if in.depth > deepest.depth {
			deepest = in
		}
	}

	var out []groupCombo
	for _, cand := range nodesAtDepth(deepest.Tree, deepest.depth) {
		combo := groupCombo{
			path:  cand,
			nodes: make(map[string]*domain.DataNode, len(ins)),
			units: make(map[string]domain.DataPath, len(ins)),
		}
		ready := true
		for _, in := range ins {
			unit := cand[:in.depth]
			node, err := in.Tree.Node(unit)
			if errors.Is(err, domain.ErrMissingBranch) {
				ready = false
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: channel %q at %q: %w", ErrInputAlignment, in.Channel, unit, err)
			}
			if !node.IsReady() {
				ready = false
				break
			}
			combo.nodes[in.Channel] = node
			combo.units[in.Channel] = unit
		}
		if ready {
			out = append(out, combo)
		}
	}
	return out, nil
}

// nodesAtDepth возвращает пути существующих узлов на заданной глубине.
func nodesAtDepth(root *domain.DataNode, depth int) []domain.DataPath {
	var out []domain.DataPath
	var walk func(n *domain.DataNode, prefix domain.DataPath)
	walk = func(n *domain.DataNode, prefix domain.DataPath) {
		if n == nil || n.IsEmpty() {
			return
		}
		if len(prefix) == depth {
			out = append(out, prefix)
			return
		}
		for i, child := range n.Children {
			walk(child, prefix.Append(domain.PathStep{Index: i, Degree: n.Degree}))
		}
	}
	walk(root, domain.DataPath{})
	return out
}

func cross(sets []InputSet, combos []groupCombo) []InputSet {
	out := make([]InputSet, 0, len(sets)*len(combos))
	for _, s := range sets {
		for _, c := range combos {
			next := InputSet{
				Path:  s.Path.Append(c.path...),
				Nodes: make(map[string]*domain.DataNode, len(s.Nodes)+len(c.nodes)),
				units: make(map[string]domain.DataPath, len(s.units)+len(c.units)),
			}
			for k, v := range s.Nodes {
				next.Nodes[k] = v
			}
			for k, v := range c.nodes {
				next.Nodes[k] = v
			}
			for k, v := range s.units {
				next.units[k] = v
			}
			for k, v := range c.units {
				next.units[k] = v
			}
			out = append(out, next)
		}
	}
	return out
}

// Value возвращает значение входа набора: лист как есть, поддерево — массивом.
func (s InputSet) Value(channel string, t domain.DataType) (*domain.DataObject, error) {
	node, ok := s.Nodes[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInputChannel, channel)
	}
	return node.Flatten(t)
}
