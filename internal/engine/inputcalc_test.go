package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/loom/internal/domain"
)

func pathStep(i, d int) domain.PathStep {
	return domain.PathStep{Index: i, Degree: d}
}

func p(steps ...domain.PathStep) domain.DataPath {
	return append(domain.DataPath{}, steps...)
}

func mustAdd(t *testing.T, n *domain.DataNode, path domain.DataPath, obj *domain.DataObject) {
	t.Helper()
	if err := n.AddDataObject(path, obj); err != nil {
		t.Fatalf("add %q: %v", path, err)
	}
}

// markEmitted добавляет ключи наборов в emitted.
func markEmitted(emitted map[string]bool, sets []InputSet) {
	for _, s := range sets {
		emitted[s.Key()] = true
	}
}

// --- InputCalculator Tests ---

func TestCalculate_NoInputs(t *testing.T) {
	calc := NewInputCalculator(nil)

	sets, err := calc.Calculate(nil, map[string]bool{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("expected 1 empty set, got %d", len(sets))
	}
	if sets[0].Key() != "" || len(sets[0].Nodes) != 0 {
		t.Errorf("expected empty set, got %+v", sets[0])
	}

	again, err := calc.Calculate(nil, map[string]bool{"": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no sets after emit, got %d", len(again))
	}
}

func TestCalculate_ScalarAndScatter(t *testing.T) {
	a := &domain.DataNode{}
	b := &domain.DataNode{}
	calc := NewInputCalculator([]ChannelInput{
		{Channel: "A", Tree: a, Mode: domain.ModeNoGather},
		{Channel: "B", Tree: b, Mode: domain.ModeNoGather},
	})
	emitted := map[string]bool{}
	total := 0

	// B приходит первым — A ещё нет, наборов нет
	for i := 0; i < 3; i++ {
		mustAdd(t, b, p(pathStep(i, 3)), domain.NewInteger(int64(i)))
		sets, err := calc.Calculate(&Trigger{Channel: "B", Path: p(pathStep(i, 3))}, emitted)
		if err != nil {
			t.Fatalf("push B[%d]: %v", i, err)
		}
		if len(sets) != 0 {
			t.Errorf("push B[%d]: expected 0 sets without A, got %d", i, len(sets))
		}
	}

	mustAdd(t, a, domain.DataPath{}, domain.NewString("ref"))
	sets, err := calc.Calculate(&Trigger{Channel: "A", Path: domain.DataPath{}}, emitted)
	if err != nil {
		t.Fatalf("push A: %v", err)
	}
	total += len(sets)
	markEmitted(emitted, sets)

	if total != 3 {
		t.Fatalf("expected 3 sets, got %d", total)
	}
	seen := map[string]bool{}
	for _, s := range sets {
		if seen[s.Key()] {
			t.Errorf("duplicate set %q", s.Key())
		}
		seen[s.Key()] = true
		if s.Nodes["A"].Data.Value != "ref" {
			t.Errorf("set %q: A should be broadcast", s.Key())
		}
		if s.Nodes["B"].Data == nil {
			t.Errorf("set %q: B should be a leaf", s.Key())
		}
	}

	// Повторная доставка B[1]
	again, err := calc.Calculate(&Trigger{Channel: "B", Path: p(pathStep(1, 3))}, emitted)
	if err != nil {
		t.Fatalf("re-push: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected 0 sets on re-push, got %d", len(again))
	}
}

func TestCalculate_ScalarFirstThenScatter(t *testing.T) {
	a := &domain.DataNode{}
	b := &domain.DataNode{}
	calc := NewInputCalculator([]ChannelInput{
		{Channel: "A", Tree: a},
		{Channel: "B", Tree: b},
	})
	emitted := map[string]bool{}

	mustAdd(t, a, domain.DataPath{}, domain.NewString("ref"))
	sets, err := calc.Calculate(&Trigger{Channel: "A", Path: domain.DataPath{}}, emitted)
	if err != nil || len(sets) != 0 {
		t.Fatalf("expected no sets with empty B, got %d (%v)", len(sets), err)
	}

	total := 0
	for i := 0; i < 3; i++ {
		mustAdd(t, b, p(pathStep(i, 3)), domain.NewInteger(int64(i)))
		sets, err := calc.Calculate(&Trigger{Channel: "B", Path: p(pathStep(i, 3))}, emitted)
		if err != nil {
			t.Fatalf("push B[%d]: %v", i, err)
		}
		if len(sets) != 1 {
			t.Errorf("push B[%d]: expected 1 set, got %d", i, len(sets))
		}
		markEmitted(emitted, sets)
		total += len(sets)
	}
	if total != 3 {
		t.Errorf("expected 3 sets total, got %d", total)
	}
}

func TestCalculate_Gather(t *testing.T) {
	b := &domain.DataNode{}
	calc := NewInputCalculator([]ChannelInput{
		{Channel: "B", Tree: b, Mode: domain.ModeGather},
	})

	mustAdd(t, b, p(pathStep(0, 2)), domain.NewInteger(1))
	sets, err := calc.Calculate(&Trigger{Channel: "B", Path: p(pathStep(0, 2))}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 0 {
		t.Fatalf("gather must wait for all items, got %d sets", len(sets))
	}

	mustAdd(t, b, p(pathStep(1, 2)), domain.NewInteger(2))
	sets, err = calc.Calculate(&Trigger{Channel: "B", Path: p(pathStep(1, 2))}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("expected 1 gathered set, got %d", len(sets))
	}
	if sets[0].Key() != "" {
		t.Errorf("gathered set should have root path, got %q", sets[0].Key())
	}

	val, err := sets[0].Value("B", domain.TypeInteger)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if !val.IsArray || val.Substitution() != "1 2" {
		t.Errorf("expected array '1 2', got %q (array=%v)", val.Substitution(), val.IsArray)
	}
}

func TestCalculate_GatherNPartial(t *testing.T) {
	// Дерево глубины 2 (2×2), gather(1): два набора по строкам
	b := &domain.DataNode{}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			mustAdd(t, b, p(pathStep(i, 2), pathStep(j, 2)), domain.NewInteger(int64(i*10+j)))
		}
	}

	sets, err := NewInputCalculator([]ChannelInput{
		{Channel: "B", Tree: b, Mode: domain.GatherN(1)},
	}).Calculate(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(sets))
	}
	val, _ := sets[1].Value("B", domain.TypeInteger)
	if val.Substitution() != "10 11" {
		t.Errorf("expected '10 11', got %q", val.Substitution())
	}

	all, err := NewInputCalculator([]ChannelInput{
		{Channel: "B", Tree: b, Mode: domain.GatherN(2)},
	}).Calculate(nil, nil)
	if err != nil || len(all) != 1 {
		t.Fatalf("gather(2) expected 1 set, got %d (%v)", len(all), err)
	}

	_, err = NewInputCalculator([]ChannelInput{
		{Channel: "B", Tree: b, Mode: domain.GatherN(3)},
	}).Calculate(nil, nil)
	if !errors.Is(err, ErrGatherTooDeep) {
		t.Errorf("expected ErrGatherTooDeep, got %v", err)
	}
}

func TestCalculate_DotProductWithinGroup(t *testing.T) {
	a := &domain.DataNode{}
	b := &domain.DataNode{}
	for i := 0; i < 3; i++ {
		mustAdd(t, a, p(pathStep(i, 3)), domain.NewInteger(int64(i)))
		mustAdd(t, b, p(pathStep(i, 3)), domain.NewString("x"))
	}

	sets, err := NewInputCalculator([]ChannelInput{
		{Channel: "A", Tree: a},
		{Channel: "B", Tree: b},
	}).Calculate(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 3 {
		t.Errorf("dot product of 3 and 3 should give 3 sets, got %d", len(sets))
	}
}

func TestCalculate_CrossProductAcrossGroups(t *testing.T) {
	a := &domain.DataNode{}
	b := &domain.DataNode{}
	for i := 0; i < 3; i++ {
		mustAdd(t, a, p(pathStep(i, 3)), domain.NewInteger(int64(i)))
	}
	for j := 0; j < 2; j++ {
		mustAdd(t, b, p(pathStep(j, 2)), domain.NewInteger(int64(j)))
	}

	sets, err := NewInputCalculator([]ChannelInput{
		{Channel: "B", Tree: b, Group: 1},
		{Channel: "A", Tree: a, Group: 0},
	}).Calculate(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 6 {
		t.Fatalf("expected 6 sets, got %d", len(sets))
	}
	// Путь: сначала группа 0 (A), потом группа 1 (B)
	if sets[1].Key() != "0:3/1:2" {
		t.Errorf("expected key 0:3/1:2, got %q", sets[1].Key())
	}

	// Событие по A[2] затрагивает только 2 набора
	touched, err := NewInputCalculator([]ChannelInput{
		{Channel: "A", Tree: a, Group: 0},
		{Channel: "B", Tree: b, Group: 1},
	}).Calculate(&Trigger{Channel: "A", Path: p(pathStep(2, 3))}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(touched) != 2 {
		t.Errorf("expected 2 touched sets, got %d", len(touched))
	}
}

func TestCalculate_DegreeMismatchInGroup(t *testing.T) {
	a := &domain.DataNode{}
	b := &domain.DataNode{}
	for i := 0; i < 3; i++ {
		mustAdd(t, a, p(pathStep(i, 3), pathStep(0, 1)), domain.NewInteger(int64(i)))
	}
	for j := 0; j < 2; j++ {
		mustAdd(t, b, p(pathStep(j, 2)), domain.NewInteger(int64(j)))
	}

	_, err := NewInputCalculator([]ChannelInput{
		{Channel: "A", Tree: a},
		{Channel: "B", Tree: b},
	}).Calculate(nil, nil)
	if !errors.Is(err, ErrInputAlignment) || !errors.Is(err, domain.ErrDegreeMismatch) {
		t.Errorf("expected alignment error, got %v", err)
	}
}

func TestCalculate_UnknownTriggerChannel(t *testing.T) {
	calc := NewInputCalculator([]ChannelInput{{Channel: "A", Tree: &domain.DataNode{}}})
	if _, err := calc.Calculate(&Trigger{Channel: "Z"}, nil); !errors.Is(err, ErrUnknownInputChannel) {
		t.Errorf("expected ErrUnknownInputChannel, got %v", err)
	}
}

func TestCalculate_WaitsForFileUpload(t *testing.T) {
	res := domain.NewFileResource("in.txt", domain.FileSourceImported)
	a := &domain.DataNode{}
	mustAdd(t, a, domain.DataPath{}, domain.NewFile(res))
	calc := NewInputCalculator([]ChannelInput{{Channel: "A", Tree: a}})

	sets, err := calc.Calculate(nil, nil)
	if err != nil || len(sets) != 0 {
		t.Fatalf("expected 0 sets before upload, got %d (%v)", len(sets), err)
	}

	res.MarkUploaded("s3://loom/imported/in.txt", "abc")
	sets, err = calc.Calculate(nil, nil)
	if err != nil || len(sets) != 1 {
		t.Errorf("expected 1 set after upload, got %d (%v)", len(sets), err)
	}
}
