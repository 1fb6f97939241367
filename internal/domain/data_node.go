package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PathStep — один шаг пути в дереве данных: индекс ребёнка и степень узла.
//
// Степень хранится в пути, чтобы первый записавший в узел задал
// число детей, а остальные могли проверить согласованность.
type PathStep struct {
	Index  int `json:"index"`
	Degree int `json:"degree"`
}

// DataPath — путь от корня канала до узла. Пустой путь — корень.
type DataPath []PathStep

// String возвращает ключ пути: "0:3/2:5". Корень — пустая строка.
//
// Ключ однозначен, поэтому используется для дедупликации tasks.
func (p DataPath) String() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = strconv.Itoa(s.Index) + ":" + strconv.Itoa(s.Degree)
	}
	return strings.Join(parts, "/")
}

// ParseDataPath разбирает ключ, полученный через DataPath.String.
func ParseDataPath(s string) (DataPath, error) {
	if s == "" {
		return DataPath{}, nil
	}
	parts := strings.Split(s, "/")
	path := make(DataPath, 0, len(parts))
	for _, part := range parts {
		idx, deg, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
		}
		i, err := strconv.Atoi(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
		}
		d, err := strconv.Atoi(deg)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
		}
		step := PathStep{Index: i, Degree: d}
		if err := step.validate(); err != nil {
			return nil, err
		}
		path = append(path, step)
	}
	return path, nil
}

func (s PathStep) validate() error {
	if s.Degree <= 0 || s.Index < 0 || s.Index >= s.Degree {
		return fmt.Errorf("%w: index %d with degree %d", ErrInvalidPath, s.Index, s.Degree)
	}
	return nil
}

// Append возвращает новый путь с добавленными шагами (исходный не меняется).
func (p DataPath) Append(steps ...PathStep) DataPath {
	out := make(DataPath, 0, len(p)+len(steps))
	out = append(out, p...)
	return append(out, steps...)
}

// HasPrefix возвращает true, если prefix — начало пути p.
func (p DataPath) HasPrefix(prefix DataPath) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// DataNode — узел дерева данных канала.
//
// Узел бывает трёх видов:
//   - лист: Data != nil
//   - ветка: Degree > 0, Children длины Degree (nil — ребёнок ещё не пришёл)
//   - пустой: ни данных, ни степени, ожидает данные
//
// Все листья канала лежат на одной глубине. DataObject неизменяемы,
// поэтому клон дерева разделяет их с оригиналом.
type DataNode struct {
	Degree   int         `json:"degree,omitempty"`
	Children []*DataNode `json:"children,omitempty"`
	Data     *DataObject `json:"data,omitempty"`
}

// NewLeaf создаёт лист с данными.
func NewLeaf(obj *DataObject) *DataNode {
	return &DataNode{Data: obj}
}

// IsLeaf возвращает true, если узел хранит данные.
func (n *DataNode) IsLeaf() bool {
	return n != nil && n.Data != nil
}

// IsEmpty возвращает true для узла без данных и без детей.
func (n *DataNode) IsEmpty() bool {
	return n == nil || (n.Data == nil && n.Degree == 0)
}

// setDegree превращает пустой узел в ветку или проверяет степень существующей.
func (n *DataNode) setDegree(degree int) error {
	if n.Data != nil {
		return fmt.Errorf("%w: path passes through a leaf", ErrInvalidPath)
	}
	if n.Degree == 0 {
		n.Degree = degree
		n.Children = make([]*DataNode, degree)
		return nil
	}
	if n.Degree != degree {
		return fmt.Errorf("%w: have %d, got %d", ErrDegreeMismatch, n.Degree, degree)
	}
	return nil
}

// AddDataObject кладёт объект в узел по пути, создавая недостающие ветки.
//
// Повторная запись того же объекта (по ID) — no-op.
// Запись другого объекта в занятый лист — ErrDataConflict.
func (n *DataNode) AddDataObject(path DataPath, obj *DataObject) error {
	if obj == nil {
		return fmt.Errorf("%w: nil data object", ErrInvalidValue)
	}
	target, err := n.descend(path, true)
	if err != nil {
		return err
	}
	switch {
	case target.Data != nil:
		if target.Data.ID == obj.ID {
			return nil
		}
		return fmt.Errorf("%w: path %q", ErrDataConflict, path)
	case target.Degree > 0:
		return fmt.Errorf("%w: path %q is a branch", ErrDataConflict, path)
	}
	target.Data = obj
	return nil
}

// AddScatteredArray раскладывает элементы массива в новую ветку по пути:
// i-й элемент уходит в ребёнка i. Так работает выход в режиме scatter.
func (n *DataNode) AddScatteredArray(path DataPath, arr *DataObject) error {
	if arr == nil || !arr.IsArray {
		return ErrNonArray
	}
	if len(arr.Members) == 0 {
		return fmt.Errorf("%w: cannot scatter an empty array", ErrInvalidValue)
	}
	degree := len(arr.Members)
	for i, m := range arr.Members {
		if err := n.AddDataObject(path.Append(PathStep{Index: i, Degree: degree}), m); err != nil {
			return err
		}
	}
	return nil
}

// Node возвращает узел по пути или ErrMissingBranch, если его ещё нет.
func (n *DataNode) Node(path DataPath) (*DataNode, error) {
	return n.descend(path, false)
}

func (n *DataNode) descend(path DataPath, create bool) (*DataNode, error) {
	cur := n
	for depth, step := range path {
		if err := step.validate(); err != nil {
			return nil, err
		}
		if cur.Data == nil && cur.Degree == 0 && !create {
			return nil, fmt.Errorf("%w: %q at depth %d", ErrMissingBranch, path, depth)
		}
		if err := cur.setDegree(step.Degree); err != nil {
			return nil, err
		}
		child := cur.Children[step.Index]
		if child == nil {
			if !create {
				return nil, fmt.Errorf("%w: %q at depth %d", ErrMissingBranch, path, depth+1)
			}
			child = &DataNode{}
			cur.Children[step.Index] = child
		}
		cur = child
	}
	return cur, nil
}

// IsReady возвращает true, если все листья поддерева на месте и готовы.
func (n *DataNode) IsReady() bool {
	if n == nil {
		return false
	}
	if n.Data != nil {
		return n.Data.IsReady()
	}
	if n.Degree == 0 {
		return false
	}
	for _, c := range n.Children {
		if !c.IsReady() {
			return false
		}
	}
	return true
}

// IsReadyAt возвращает готовность узла по пути; отсутствующий узел не готов.
func (n *DataNode) IsReadyAt(path DataPath) bool {
	node, err := n.Node(path)
	if err != nil {
		return false
	}
	return node.IsReady()
}

// Height возвращает высоту готового поддерева: 0 для листа.
//
// Для пустого или неполного поддерева высота неизвестна (ok=false).
// Листья на разной глубине — ErrUnevenDepth.
func (n *DataNode) Height() (height int, ok bool, err error) {
	if n == nil || n.IsEmpty() {
		return 0, false, nil
	}
	if n.Data != nil {
		return 0, true, nil
	}
	known := -1
	for _, c := range n.Children {
		h, cok, err := c.Height()
		if err != nil {
			return 0, false, err
		}
		if !cok {
			continue
		}
		if known >= 0 && h != known {
			return 0, false, ErrUnevenDepth
		}
		known = h
	}
	if known < 0 {
		return 0, false, nil
	}
	return known + 1, true, nil
}

// Clone возвращает глубокую копию структуры; DataObject разделяются.
func (n *DataNode) Clone() *DataNode {
	if n == nil {
		return nil
	}
	out := &DataNode{Degree: n.Degree, Data: n.Data}
	if n.Children != nil {
		out.Children = make([]*DataNode, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// LeafEntry — лист и путь к нему.
type LeafEntry struct {
	Path DataPath
	Data *DataObject
}

// Leaves возвращает присутствующие листья в порядке обхода (по индексам).
func (n *DataNode) Leaves() []LeafEntry {
	var out []LeafEntry
	n.walk(DataPath{}, func(p DataPath, obj *DataObject) {
		out = append(out, LeafEntry{Path: p, Data: obj})
	})
	return out
}

func (n *DataNode) walk(prefix DataPath, fn func(DataPath, *DataObject)) {
	if n == nil {
		return
	}
	if n.Data != nil {
		fn(prefix, n.Data)
		return
	}
	for i, c := range n.Children {
		c.walk(prefix.Append(PathStep{Index: i, Degree: n.Degree}), fn)
	}
}

// Flatten собирает листья поддерева в один массив (режим gather).
//
// Лист, который сам является массивом, отдаёт свои элементы.
// Для единственного листа без ветвления возвращается он сам.
func (n *DataNode) Flatten(t DataType) (*DataObject, error) {
	if n.Data != nil {
		return n.Data, nil
	}
	var members []*DataObject
	for _, leaf := range n.Leaves() {
		if leaf.Data.IsArray {
			members = append(members, leaf.Data.Members...)
			continue
		}
		members = append(members, leaf.Data)
	}
	return NewArray(t, members)
}

// DataTree — корень дерева данных, разделяемый связанными каналами.
//
// Каналы ссылаются на дерево по ID; соединение каналов означает
// общее дерево. Изменения сохраняются с проверкой Version.
type DataTree struct {
	// ID — уникальный идентификатор дерева.
	ID uuid.UUID `json:"id"`

	// Type — тип данных канала.
	Type DataType `json:"type"`

	// Root — корневой узел.
	Root *DataNode `json:"root"`

	// Version — версия для optimistic concurrency.
	Version int `json:"version"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// NewDataTree создаёт пустое дерево.
func NewDataTree(t DataType) *DataTree {
	return &DataTree{
		ID:        uuid.New(),
		Type:      t,
		Root:      &DataNode{},
		CreatedAt: time.Now(),
	}
}

// IsReady возвращает true, если всё дерево готово.
func (t *DataTree) IsReady() bool {
	return t.Root.IsReady()
}
