package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

// Memory — хранилище в памяти с тем же контрактом, что и Postgres:
// уникальность (run, channel) и (run, key), проверка Version при Update.
//
// Записи копируются при сохранении и чтении, поэтому вызывающий
// не может изменить хранимое состояние в обход Update.
// Используется в тестах и для локального запуска без БД.
type Memory struct {
	Runs      *MemoryRuns
	Channels  *MemoryChannels
	Data      *MemoryData
	Tasks     *MemoryTasks
	Templates *MemoryTemplates
}

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		Runs:      &MemoryRuns{runs: map[uuid.UUID]*domain.Run{}},
		Channels:  &MemoryChannels{connectors: map[string]*domain.Connector{}},
		Data:      &MemoryData{trees: map[uuid.UUID]*domain.DataTree{}, files: map[uuid.UUID]*domain.FileResource{}},
		Tasks:     &MemoryTasks{tasks: map[uuid.UUID]*domain.Task{}, attempts: map[uuid.UUID]*domain.TaskAttempt{}},
		Templates: &MemoryTemplates{templates: map[uuid.UUID]*domain.Template{}},
	}
}

// clone копирует запись через JSON, как её увидел бы читатель из БД.
func clone[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memory store: marshal %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("memory store: unmarshal %T: %w", v, err)
	}
	return &out, nil
}

func cloneAll[T any](items []*T) ([]*T, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]*T, len(items))
	for i, v := range items {
		c, err := clone(v)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// --- Runs ---

// MemoryRuns — runs и их журналы.
type MemoryRuns struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]*domain.Run
	order  []uuid.UUID
	events []*domain.RunEvent
}

func (m *MemoryRuns) Create(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run: %w", ErrAlreadyExists)
	}
	stored, err := clone(run)
	if err != nil {
		return err
	}
	m.runs[run.ID] = stored
	m.order = append(m.order, run.ID)
	return nil
}

func (m *MemoryRuns) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run: %w", ErrNotFound)
	}
	return clone(run)
}

func (m *MemoryRuns) Update(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("runs %s: %w", run.ID, ErrNotFound)
	}
	if cur.Version != run.Version {
		return fmt.Errorf("runs %s: %w", run.ID, ErrConcurrentModification)
	}
	run.Version++
	stored, err := clone(run)
	if err != nil {
		run.Version--
		return err
	}
	m.runs[run.ID] = stored
	return nil
}

func (m *MemoryRuns) ListChildren(_ context.Context, parentID uuid.UUID) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Run
	for _, id := range m.order {
		r := m.runs[id]
		if r.ParentID != nil && *r.ParentID == parentID {
			out = append(out, r)
		}
	}
	return cloneAll(out)
}

func (m *MemoryRuns) List(_ context.Context, filter RunFilter) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Run
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.runs[m.order[i]]
		if filter.RootsOnly && r.ParentID != nil {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, r.Status) {
			continue
		}
		if filter.Active && r.Status.IsTerminal() {
			continue
		}
		if filter.Postprocessing != "" && r.PostprocessingStatus != filter.Postprocessing {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !r.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		out = append(out, r)
	}
	return cloneAll(paginate(out, filter.Limit, filter.Offset))
}

func (m *MemoryRuns) AddEvent(_ context.Context, ev *domain.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := clone(ev)
	if err != nil {
		return err
	}
	m.events = append(m.events, stored)
	return nil
}

func (m *MemoryRuns) ListEvents(_ context.Context, runID uuid.UUID) ([]*domain.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RunEvent
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return cloneAll(out)
}

// --- Channels ---

// MemoryChannels — входы, выходы, пользовательские входы и connectors.
type MemoryChannels struct {
	mu         sync.Mutex
	inputs     []*domain.RunInput
	outputs    []*domain.RunOutput
	userInputs []*domain.UserInput
	connectors map[string]*domain.Connector
}

func connectorKey(runID uuid.UUID, channel string) string {
	return runID.String() + "/" + channel
}

func (m *MemoryChannels) CreateInput(_ context.Context, in *domain.RunInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.inputs {
		if cur.RunID == in.RunID && cur.Channel == in.Channel {
			return fmt.Errorf("run input: %w", ErrAlreadyExists)
		}
	}
	stored, err := clone(in)
	if err != nil {
		return err
	}
	m.inputs = append(m.inputs, stored)
	return nil
}

func (m *MemoryChannels) UpdateInput(_ context.Context, in *domain.RunInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.inputs {
		if cur.ID == in.ID {
			stored, err := clone(in)
			if err != nil {
				return err
			}
			m.inputs[i] = stored
			return nil
		}
	}
	return fmt.Errorf("run input %s: %w", in.ID, ErrNotFound)
}

func (m *MemoryChannels) ListInputs(_ context.Context, runID uuid.UUID) ([]*domain.RunInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RunInput
	for _, in := range m.inputs {
		if in.RunID == runID {
			out = append(out, in)
		}
	}
	return cloneAll(out)
}

func (m *MemoryChannels) ListInputsByTree(_ context.Context, treeID uuid.UUID) ([]*domain.RunInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RunInput
	for _, in := range m.inputs {
		if in.DataTreeID != nil && *in.DataTreeID == treeID {
			out = append(out, in)
		}
	}
	return cloneAll(out)
}

func (m *MemoryChannels) CreateOutput(_ context.Context, out *domain.RunOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.outputs {
		if cur.RunID == out.RunID && cur.Channel == out.Channel {
			return fmt.Errorf("run output: %w", ErrAlreadyExists)
		}
	}
	stored, err := clone(out)
	if err != nil {
		return err
	}
	m.outputs = append(m.outputs, stored)
	return nil
}

func (m *MemoryChannels) UpdateOutput(_ context.Context, out *domain.RunOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.outputs {
		if cur.ID == out.ID {
			stored, err := clone(out)
			if err != nil {
				return err
			}
			m.outputs[i] = stored
			return nil
		}
	}
	return fmt.Errorf("run output %s: %w", out.ID, ErrNotFound)
}

func (m *MemoryChannels) ListOutputs(_ context.Context, runID uuid.UUID) ([]*domain.RunOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RunOutput
	for _, o := range m.outputs {
		if o.RunID == runID {
			out = append(out, o)
		}
	}
	return cloneAll(out)
}

func (m *MemoryChannels) CreateUserInput(_ context.Context, in *domain.UserInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.userInputs {
		if cur.RunID == in.RunID && cur.Channel == in.Channel {
			return fmt.Errorf("user input: %w", ErrAlreadyExists)
		}
	}
	stored, err := clone(in)
	if err != nil {
		return err
	}
	m.userInputs = append(m.userInputs, stored)
	return nil
}

func (m *MemoryChannels) ListUserInputs(_ context.Context, runID uuid.UUID) ([]*domain.UserInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.UserInput
	for _, in := range m.userInputs {
		if in.RunID == runID {
			out = append(out, in)
		}
	}
	return cloneAll(out)
}

func (m *MemoryChannels) GetConnector(_ context.Context, runID uuid.UUID, channel string) (*domain.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[connectorKey(runID, channel)]
	if !ok {
		return nil, fmt.Errorf("connector: %w", ErrNotFound)
	}
	return clone(c)
}

func (m *MemoryChannels) CreateConnector(_ context.Context, c *domain.Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := connectorKey(c.RunID, c.Channel)
	if _, ok := m.connectors[key]; ok {
		return fmt.Errorf("connector: %w", ErrAlreadyExists)
	}
	stored, err := clone(c)
	if err != nil {
		return err
	}
	m.connectors[key] = stored
	return nil
}

func (m *MemoryChannels) UpdateConnector(_ context.Context, c *domain.Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := connectorKey(c.RunID, c.Channel)
	cur, ok := m.connectors[key]
	if !ok || cur.ID != c.ID {
		return fmt.Errorf("connectors %s: %w", c.ID, ErrNotFound)
	}
	if cur.Version != c.Version {
		return fmt.Errorf("connectors %s: %w", c.ID, ErrConcurrentModification)
	}
	c.Version++
	stored, err := clone(c)
	if err != nil {
		c.Version--
		return err
	}
	m.connectors[key] = stored
	return nil
}

// --- Data ---

// MemoryData — деревья данных и файловые ресурсы.
type MemoryData struct {
	mu        sync.Mutex
	trees     map[uuid.UUID]*domain.DataTree
	files     map[uuid.UUID]*domain.FileResource
	fileOrder []uuid.UUID
}

func (m *MemoryData) CreateTree(_ context.Context, tree *domain.DataTree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trees[tree.ID]; ok {
		return fmt.Errorf("data tree: %w", ErrAlreadyExists)
	}
	stored, err := clone(tree)
	if err != nil {
		return err
	}
	m.trees[tree.ID] = stored
	return nil
}

func (m *MemoryData) GetTree(_ context.Context, id uuid.UUID) (*domain.DataTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.trees[id]
	if !ok {
		return nil, fmt.Errorf("data tree: %w", ErrNotFound)
	}
	return clone(tree)
}

func (m *MemoryData) UpdateTree(_ context.Context, tree *domain.DataTree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trees[tree.ID]
	if !ok {
		return fmt.Errorf("data_trees %s: %w", tree.ID, ErrNotFound)
	}
	if cur.Version != tree.Version {
		return fmt.Errorf("data_trees %s: %w", tree.ID, ErrConcurrentModification)
	}
	tree.Version++
	stored, err := clone(tree)
	if err != nil {
		tree.Version--
		return err
	}
	m.trees[tree.ID] = stored
	return nil
}

func (m *MemoryData) CreateFile(_ context.Context, f *domain.FileResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return fmt.Errorf("file resource: %w", ErrAlreadyExists)
	}
	stored, err := clone(f)
	if err != nil {
		return err
	}
	m.files[f.ID] = stored
	m.fileOrder = append(m.fileOrder, f.ID)
	return nil
}

func (m *MemoryData) GetFile(_ context.Context, id uuid.UUID) (*domain.FileResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("file resource: %w", ErrNotFound)
	}
	return clone(f)
}

func (m *MemoryData) UpdateFile(_ context.Context, f *domain.FileResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; !ok {
		return fmt.Errorf("file resource %s: %w", f.ID, ErrNotFound)
	}
	stored, err := clone(f)
	if err != nil {
		return err
	}
	m.files[f.ID] = stored
	return nil
}

func (m *MemoryData) FindFiles(_ context.Context, filter FileFilter) ([]*domain.FileResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.FileResource
	for i := len(m.fileOrder) - 1; i >= 0; i-- {
		f := m.files[m.fileOrder[i]]
		if filter.Filename != "" && f.Filename != filter.Filename {
			continue
		}
		if filter.IDPrefix != "" && !strings.HasPrefix(f.ID.String(), filter.IDPrefix) {
			continue
		}
		if filter.MD5 != "" && f.MD5 != filter.MD5 {
			continue
		}
		if filter.CompleteOnly && !f.IsReady() {
			continue
		}
		if filter.Source != "" && f.Source != filter.Source {
			continue
		}
		out = append(out, f)
	}
	return cloneAll(paginate(out, filter.Limit, 0))
}

// --- Tasks ---

// MemoryTasks — tasks и попытки.
type MemoryTasks struct {
	mu           sync.Mutex
	tasks        map[uuid.UUID]*domain.Task
	order        []uuid.UUID
	attempts     map[uuid.UUID]*domain.TaskAttempt
	attemptOrder []uuid.UUID
}

func (m *MemoryTasks) Create(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.tasks {
		if cur.ID == task.ID || (cur.RunID == task.RunID && cur.Key == task.Key) {
			return fmt.Errorf("task: %w", ErrAlreadyExists)
		}
	}
	stored, err := clone(task)
	if err != nil {
		return err
	}
	m.tasks[task.ID] = stored
	m.order = append(m.order, task.ID)
	return nil
}

func (m *MemoryTasks) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task: %w", ErrNotFound)
	}
	return clone(task)
}

func (m *MemoryTasks) Update(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[task.ID]
	if !ok {
		return fmt.Errorf("tasks %s: %w", task.ID, ErrNotFound)
	}
	if cur.Version != task.Version {
		return fmt.Errorf("tasks %s: %w", task.ID, ErrConcurrentModification)
	}
	task.Version++
	stored, err := clone(task)
	if err != nil {
		task.Version--
		return err
	}
	m.tasks[task.ID] = stored
	return nil
}

func (m *MemoryTasks) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Task, error) {
	return m.List(ctx, TaskFilter{RunID: &runID})
}

func (m *MemoryTasks) List(_ context.Context, filter TaskFilter) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Task
	for _, id := range m.order {
		t := m.tasks[id]
		if filter.RunID != nil && t.RunID != *filter.RunID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !t.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		out = append(out, t)
	}
	return cloneAll(paginate(out, filter.Limit, 0))
}

func (m *MemoryTasks) CreateAttempt(_ context.Context, a *domain.TaskAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; ok {
		return fmt.Errorf("task attempt: %w", ErrAlreadyExists)
	}
	stored, err := clone(a)
	if err != nil {
		return err
	}
	m.attempts[a.ID] = stored
	m.attemptOrder = append(m.attemptOrder, a.ID)
	return nil
}

func (m *MemoryTasks) GetAttempt(_ context.Context, id uuid.UUID) (*domain.TaskAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, fmt.Errorf("task attempt: %w", ErrNotFound)
	}
	return clone(a)
}

func (m *MemoryTasks) UpdateAttempt(_ context.Context, a *domain.TaskAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.attempts[a.ID]
	if !ok {
		return fmt.Errorf("task_attempts %s: %w", a.ID, ErrNotFound)
	}
	if cur.Version != a.Version {
		return fmt.Errorf("task_attempts %s: %w", a.ID, ErrConcurrentModification)
	}
	a.Version++
	stored, err := clone(a)
	if err != nil {
		a.Version--
		return err
	}
	m.attempts[a.ID] = stored
	return nil
}

func (m *MemoryTasks) ListAttempts(_ context.Context, taskID uuid.UUID) ([]*domain.TaskAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TaskAttempt
	for _, id := range m.attemptOrder {
		if a := m.attempts[id]; a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return cloneAll(out)
}

func (m *MemoryTasks) ListActiveAttempts(_ context.Context, limit int) ([]*domain.TaskAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TaskAttempt
	for _, id := range m.attemptOrder {
		if a := m.attempts[id]; !a.IsFinished() {
			out = append(out, a)
		}
	}
	return cloneAll(paginate(out, limit, 0))
}

// --- Templates ---

// MemoryTemplates — шаблоны.
type MemoryTemplates struct {
	mu        sync.Mutex
	templates map[uuid.UUID]*domain.Template
	roots     []uuid.UUID
}

func (m *MemoryTemplates) CreateTree(_ context.Context, templates []*domain.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range templates {
		if _, ok := m.templates[t.ID]; ok {
			return fmt.Errorf("template: %w", ErrAlreadyExists)
		}
	}
	stored, err := cloneAll(templates)
	if err != nil {
		return err
	}
	for _, t := range stored {
		m.templates[t.ID] = t
	}
	if len(templates) > 0 {
		m.roots = append(m.roots, templates[0].ID)
	}
	return nil
}

func (m *MemoryTemplates) GetByID(_ context.Context, id uuid.UUID) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("template: %w", ErrNotFound)
	}
	return clone(t)
}

func (m *MemoryTemplates) List(_ context.Context, limit, offset int) ([]*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Template
	for i := len(m.roots) - 1; i >= 0; i-- {
		out = append(out, m.templates[m.roots[i]])
	}
	return cloneAll(paginate(out, limit, offset))
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
