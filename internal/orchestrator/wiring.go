package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/engine"
	"github.com/shaiso/loom/internal/repo"
)

// StartRequest — запрос на запуск шаблона.
type StartRequest struct {
	// TemplateID — корневой шаблон.
	TemplateID uuid.UUID

	// Name — имя run (пусто — имя шаблона).
	Name string

	// Inputs — значения входов по имени канала: скаляр или вложенные списки.
	// Файлы задаются ссылкой "name@idprefix" или UUID ресурса.
	Inputs map[string]any

	// NotificationAddresses — email и URL для уведомления о завершении.
	NotificationAddresses []string
}

// StartRun создаёт корневой run, связывает его входы и ставит раскрытие в очередь.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*domain.Run, error) {
	tmpl, err := o.getTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := validateInputs(tmpl, req.Inputs); err != nil {
		return nil, err
	}

	// Деревья строим до создания run: ошибки в данных не оставляют мусора.
	nodes := make(map[string]*domain.DataNode, len(req.Inputs))
	for _, in := range tmpl.Inputs {
		value, ok := req.Inputs[in.Channel]
		if !ok {
			continue
		}
		node, err := engine.BuildDataNodeWith(value, o.leafFunc(ctx, in.Type))
		if err != nil {
			return nil, fmt.Errorf("%w: channel %q: %w", ErrInvalidInput, in.Channel, err)
		}
		nodes[in.Channel] = node
	}

	run := domain.NewRunFromTemplate(tmpl, nil)
	if req.Name != "" {
		run.Name = req.Name
	}
	run.NotificationAddresses = req.NotificationAddresses
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	userInputs := make(map[string]*domain.UserInput, len(nodes))
	for _, in := range tmpl.Inputs {
		node, ok := nodes[in.Channel]
		if !ok {
			continue
		}
		tree := domain.NewDataTree(in.Type)
		tree.Root = node
		if err := o.data.CreateTree(ctx, tree); err != nil {
			return nil, fmt.Errorf("create data tree: %w", err)
		}
		ui := &domain.UserInput{
			ID:        uuid.New(),
			RunID:     run.ID,
			Channel:   in.Channel,
			Type:      in.Type,
			CreatedAt: time.Now(),
		}
		ui.AttachTree(tree.ID)
		if err := o.channels.CreateUserInput(ctx, ui); err != nil {
			return nil, fmt.Errorf("create user input: %w", err)
		}
		userInputs[in.Channel] = ui
	}

	if err := o.initializeRun(ctx, run, tmpl, userInputs); err != nil {
		return nil, o.failStart(ctx, run, err)
	}
	if err := o.connectTemplateData(ctx, run, tmpl, userInputs); err != nil {
		return nil, o.failStart(ctx, run, err)
	}

	o.logger.Info("run started", "run_id", run.ID, "name", run.Name, "template_id", tmpl.ID)
	o.dispatched("postprocess", run.ID, o.dispatcher.Postprocess(ctx, run.ID))
	return run, nil
}

// failStart помечает недостартовавший run failed и возвращает исходную ошибку.
func (o *Orchestrator) failStart(ctx context.Context, run *domain.Run, cause error) error {
	if err := o.Fail(ctx, run.ID, cause.Error()); err != nil {
		o.logger.Error("failed to mark run failed", "run_id", run.ID, "error", err)
	}
	return cause
}

// validateInputs проверяет, что все каналы запроса объявлены в шаблоне,
// а все входы без данных по умолчанию заданы.
func validateInputs(tmpl *domain.Template, inputs map[string]any) error {
	for channel := range inputs {
		if _, ok := tmpl.Input(channel); !ok {
			return fmt.Errorf("%w: unknown input channel %q", ErrInvalidInput, channel)
		}
	}

	var missing []string
	for _, in := range tmpl.Inputs {
		if _, ok := inputs[in.Channel]; ok || in.Data != nil {
			continue
		}
		missing = append(missing, fmt.Sprintf("%q", in.Channel))
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: Missing input for channel(s) %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

// leafFunc создаёт листья пользовательских данных; файлы ищутся в хранилище.
func (o *Orchestrator) leafFunc(ctx context.Context, t domain.DataType) engine.LeafFunc {
	return func(value any) (*domain.DataObject, error) {
		if t != domain.TypeFile {
			return domain.NewValue(t, value)
		}
		ref, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: file reference must be a string, got %T", domain.ErrTypeMismatch, value)
		}
		res, err := o.ResolveFile(ctx, ref)
		if err != nil {
			return nil, err
		}
		return domain.NewFile(res), nil
	}
}

// ResolveFile находит загруженный файл по ссылке.
//
// Ссылка — UUID ресурса, "name@idprefix" или просто имя файла.
// Ничего не найдено — domain.ErrNoMatch, больше одного — domain.ErrMultipleMatches.
func (o *Orchestrator) ResolveFile(ctx context.Context, ref string) (*domain.FileResource, error) {
	if id, err := uuid.Parse(ref); err == nil {
		res, err := o.data.GetFile(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: file %q", domain.ErrNoMatch, ref)
		}
		return res, err
	}

	filter := repo.FileFilter{Filename: ref, CompleteOnly: true, Limit: 2}
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		filter.Filename, filter.IDPrefix = ref[:i], ref[i+1:]
	}
	files, err := o.data.FindFiles(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}
	switch len(files) {
	case 0:
		return nil, fmt.Errorf("%w: file %q", domain.ErrNoMatch, ref)
	case 1:
		return files[0], nil
	default:
		return nil, fmt.Errorf("%w: file %q", domain.ErrMultipleMatches, ref)
	}
}

// initializeRun создаёт входы и выходы run и связывает их каналы.
func (o *Orchestrator) initializeRun(ctx context.Context, run *domain.Run, tmpl *domain.Template, userInputs map[string]*domain.UserInput) error {
	if err := o.initializeInputs(ctx, run, tmpl, userInputs); err != nil {
		return err
	}
	return o.initializeOutputs(ctx, run, tmpl)
}

// initializeInputs создаёт входы run.
//
// Вход корня берёт дерево пользовательского ввода. Вход ребёнка
// подключается к connector'у родителя (создаёт его, если нет).
// Ветка дополнительно открывает свой connector по внутреннему имени,
// источником которого служит сам вход.
func (o *Orchestrator) initializeInputs(ctx context.Context, run *domain.Run, tmpl *domain.Template, userInputs map[string]*domain.UserInput) error {
	for _, ti := range tmpl.Inputs {
		in := &domain.RunInput{
			ID:        uuid.New(),
			RunID:     run.ID,
			Channel:   ti.Channel,
			AsChannel: ti.AsChannel,
			Type:      ti.Type,
			Mode:      ti.Mode,
			Group:     ti.Group,
			CreatedAt: time.Now(),
		}

		switch {
		case run.IsRoot():
			if ui, ok := userInputs[ti.Channel]; ok && ui.DataTreeID != nil {
				in.AttachTree(*ui.DataTreeID)
			}
		default:
			if err := o.joinConnector(ctx, *run.ParentID, in.Channel, in.Type, in, false); err != nil {
				return err
			}
		}

		if in.DataTreeID == nil {
			if err := o.attachNewTree(ctx, in, in.Type); err != nil {
				return err
			}
		}

		if err := o.channels.CreateInput(ctx, in); err != nil {
			return fmt.Errorf("create input %q of %s: %w", in.Channel, run, err)
		}

		if !run.IsLeaf() {
			if err := o.joinConnector(ctx, run.ID, in.InternalChannel(), in.Type, in, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// initializeOutputs создаёт выходы run.
//
// Выход ребёнка становится источником connector'а родителя; второй
// источник в одной области видимости — ошибка. Ветка открывает свой
// connector, источником которого станет один из её детей.
func (o *Orchestrator) initializeOutputs(ctx context.Context, run *domain.Run, tmpl *domain.Template) error {
	for _, to := range tmpl.Outputs {
		out := &domain.RunOutput{
			ID:        uuid.New(),
			RunID:     run.ID,
			Channel:   to.Channel,
			AsChannel: to.AsChannel,
			Type:      to.Type,
			Mode:      to.Mode,
			Source:    to.Source,
			Parser:    to.Parser,
			CreatedAt: time.Now(),
		}

		if !run.IsRoot() {
			if err := o.joinConnector(ctx, *run.ParentID, out.Channel, out.Type, out, true); err != nil {
				return err
			}
		}
		if out.DataTreeID == nil {
			if err := o.attachNewTree(ctx, out, out.Type); err != nil {
				return err
			}
		}

		if err := o.channels.CreateOutput(ctx, out); err != nil {
			return fmt.Errorf("create output %q of %s: %w", out.Channel, run, err)
		}

		if !run.IsLeaf() {
			if err := o.joinConnector(ctx, run.ID, out.InternalChannel(), out.Type, out, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// attachNewTree создаёт пустое дерево и привязывает к нему канал.
func (o *Orchestrator) attachNewTree(ctx context.Context, ch domain.Channel, t domain.DataType) error {
	tree := domain.NewDataTree(t)
	if err := o.data.CreateTree(ctx, tree); err != nil {
		return fmt.Errorf("create data tree: %w", err)
	}
	ch.AttachTree(tree.ID)
	return nil
}

// joinConnector связывает канал ch с connector'ом ветки ownerID.
//
// source=true — ch становится источником канала. После вызова у ch
// и connector'а одно дерево. Гонки создания и обновления connector'а
// решаются повторным чтением.
func (o *Orchestrator) joinConnector(ctx context.Context, ownerID uuid.UUID, channel string, t domain.DataType, ch domain.Channel, source bool) error {
	backoff := retry.WithMaxRetries(o.settings.SaveRetries, retry.NewExponential(o.settings.SaveRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := o.channels.GetConnector(ctx, ownerID, channel)
		if errors.Is(err, repo.ErrNotFound) {
			c = &domain.Connector{
				ID:        uuid.New(),
				RunID:     ownerID,
				Channel:   channel,
				Type:      t,
				HasSource: source,
				CreatedAt: time.Now(),
			}
			if tid := ch.TreeID(); tid != nil {
				c.AttachTree(*tid)
			} else if err := o.attachNewTree(ctx, c, t); err != nil {
				return err
			}
			if err := o.channels.CreateConnector(ctx, c); err != nil {
				if errors.Is(err, repo.ErrAlreadyExists) {
					return retry.RetryableError(err)
				}
				return fmt.Errorf("create connector: %w", err)
			}
			ch.AttachTree(*c.DataTreeID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("get connector: %w", err)
		}

		if source && c.HasSource {
			return fmt.Errorf("%w: Channel %q has more than one source", ErrMultipleSources, channel)
		}
		if c.Type != t {
			return fmt.Errorf("%w: channel %q is %s, not %s", domain.ErrTypeMismatch, channel, c.Type, t)
		}

		treeID, needNew, err := domain.SharedTree(c, ch)
		if err != nil {
			return err
		}
		changed := source || c.DataTreeID == nil
		if needNew {
			if err := o.attachNewTree(ctx, c, t); err != nil {
				return err
			}
			treeID = *c.DataTreeID
		} else {
			c.AttachTree(treeID)
		}
		c.HasSource = c.HasSource || source

		if changed {
			if err := o.channels.UpdateConnector(ctx, c); err != nil {
				if errors.Is(err, repo.ErrConcurrentModification) {
					return retry.RetryableError(err)
				}
				return fmt.Errorf("update connector: %w", err)
			}
		}
		ch.AttachTree(treeID)
		return nil
	})
	if errors.Is(err, repo.ErrConcurrentModification) || errors.Is(err, repo.ErrAlreadyExists) {
		return fmt.Errorf("%w: connector %q: %v", ErrUnexpectedConcurrentModification, channel, err)
	}
	return err
}

// connectTemplateData подключает данные по умолчанию к входам run.
//
// Вызывается после инициализации всех соседей: данные шаблона нужны,
// только если у канала нет ни источника в родителе, ни пользовательского
// ввода. Данные кладутся в пустое дерево входа.
func (o *Orchestrator) connectTemplateData(ctx context.Context, run *domain.Run, tmpl *domain.Template, userInputs map[string]*domain.UserInput) error {
	inputs, err := o.channels.ListInputs(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list inputs: %w", err)
	}

	for _, in := range inputs {
		if run.IsRoot() {
			if _, ok := userInputs[in.Channel]; ok {
				continue
			}
		} else {
			c, err := o.channels.GetConnector(ctx, *run.ParentID, in.Channel)
			if err != nil {
				return fmt.Errorf("get connector: %w", err)
			}
			if c.HasSource {
				continue
			}
		}

		ti, _ := tmpl.Input(in.Channel)
		if ti.Data == nil {
			return fmt.Errorf("%w: No input data available on channel %q", ErrNoInputData, in.Channel)
		}

		_, _, err := o.updateTree(ctx, *in.DataTreeID, func(tree *domain.DataTree) bool {
			if !tree.Root.IsEmpty() {
				return false
			}
			tree.Root = ti.Data.Clone()
			return true
		})
		if err != nil {
			return fmt.Errorf("connect data to %q: %w", in.Channel, err)
		}
	}
	return nil
}
