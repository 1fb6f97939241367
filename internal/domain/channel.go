package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InputMode — режим входа: no_gather, gather или gather(n).
type InputMode string

const (
	// ModeNoGather — task получает один лист канала.
	ModeNoGather InputMode = "no_gather"

	// ModeGather — последний уровень разветвления собирается в массив.
	ModeGather InputMode = "gather"
)

// GatherN возвращает режим gather(n).
func GatherN(n int) InputMode {
	if n <= 0 {
		return ModeNoGather
	}
	if n == 1 {
		return ModeGather
	}
	return InputMode(fmt.Sprintf("gather(%d)", n))
}

// ParseInputMode парсит строку режима входа. Пустая строка — no_gather.
func ParseInputMode(s string) (InputMode, error) {
	m := InputMode(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if m == "" {
		return ModeNoGather, nil
	}
	if _, err := m.gatherDepth(); err != nil {
		return "", err
	}
	return m, nil
}

// GatherDepth возвращает число собираемых уровней (0 для no_gather).
// Для некорректного режима возвращает 0.
func (m InputMode) GatherDepth() int {
	n, _ := m.gatherDepth()
	return n
}

func (m InputMode) gatherDepth() (int, error) {
	switch m {
	case "", ModeNoGather:
		return 0, nil
	case ModeGather:
		return 1, nil
	}
	s := string(m)
	if !strings.HasPrefix(s, "gather(") || !strings.HasSuffix(s, ")") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(s, "gather("), ")"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return n, nil
}

// OutputMode — режим выхода: no_scatter или scatter.
type OutputMode string

const (
	ModeNoScatter OutputMode = "no_scatter"
	ModeScatter   OutputMode = "scatter"
)

// ParseOutputMode парсит строку режима выхода. Пустая строка — no_scatter.
func ParseOutputMode(s string) (OutputMode, error) {
	switch m := OutputMode(strings.TrimSpace(s)); m {
	case "":
		return ModeNoScatter, nil
	case ModeNoScatter, ModeScatter:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Channel — общий интерфейс RunInput/RunOutput/UserInput/Connector.
// Соединённые каналы ссылаются на одно DataTree.
type Channel interface {
	ChannelName() string
	TreeID() *uuid.UUID
	AttachTree(id uuid.UUID)
}

// SharedTree решает, какое дерево будет общим для двух каналов.
//
// Если у обоих каналов деревьев нет, needNew=true и вызывающий создаёт
// новое. Если деревья разные — ErrChannelConflict.
func SharedTree(a, b Channel) (id uuid.UUID, needNew bool, err error) {
	ta, tb := a.TreeID(), b.TreeID()
	switch {
	case ta == nil && tb == nil:
		return uuid.Nil, true, nil
	case ta == nil:
		return *tb, false, nil
	case tb == nil:
		return *ta, false, nil
	case *ta == *tb:
		return *ta, false, nil
	default:
		return uuid.Nil, false, fmt.Errorf("%w: channel %q", ErrChannelConflict, a.ChannelName())
	}
}

// RunInput — вход run'а.
//
// Channel — имя в области видимости родителя, AsChannel — внутреннее
// имя (для команды и для детей ветки).
type RunInput struct {
	ID         uuid.UUID  `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	Channel    string     `json:"channel"`
	AsChannel  string     `json:"as_channel,omitempty"`
	Type       DataType   `json:"type"`
	Mode       InputMode  `json:"mode"`
	Group      int        `json:"group"`
	DataTreeID *uuid.UUID `json:"data_tree_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (i *RunInput) ChannelName() string { return i.Channel }
func (i *RunInput) TreeID() *uuid.UUID { return i.DataTreeID }
func (i *RunInput) AttachTree(id uuid.UUID) { i.DataTreeID = &id }

// InternalChannel возвращает имя канала внутри run'а.
func (i *RunInput) InternalChannel() string {
	if i.AsChannel != "" {
		return i.AsChannel
	}
	return i.Channel
}

// OutputSource — откуда агент берёт значение выхода.
type OutputSource struct {
	// Filename — файл в рабочей директории (может быть glob).
	Filename string `json:"filename,omitempty" yaml:"filename,omitempty"`

	// Stream — "stdout" или "stderr".
	Stream string `json:"stream,omitempty" yaml:"stream,omitempty"`
}

// ParserType — тип парсера текста в массив.
type ParserType string

const (
	ParserDelimited ParserType = "delimited"
	ParserJQ        ParserType = "jq"
)

// OutputParser — разбор текста выхода в массив значений.
type OutputParser struct {
	Type ParserType `json:"type" yaml:"type"`

	// Options — параметры парсера: delimiter/trim для delimited,
	// expression для jq.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// RunOutput — выход run'а.
type RunOutput struct {
	ID         uuid.UUID     `json:"id"`
	RunID      uuid.UUID     `json:"run_id"`
	Channel    string        `json:"channel"`
	AsChannel  string        `json:"as_channel,omitempty"`
	Type       DataType      `json:"type"`
	Mode       OutputMode    `json:"mode"`
	Source     OutputSource  `json:"source"`
	Parser     *OutputParser `json:"parser,omitempty"`
	DataTreeID *uuid.UUID    `json:"data_tree_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (o *RunOutput) ChannelName() string { return o.Channel }
func (o *RunOutput) TreeID() *uuid.UUID { return o.DataTreeID }
func (o *RunOutput) AttachTree(id uuid.UUID) { o.DataTreeID = &id }

// InternalChannel возвращает имя канала внутри run'а.
func (o *RunOutput) InternalChannel() string {
	if o.AsChannel != "" {
		return o.AsChannel
	}
	return o.Channel
}

// UserInput — данные, переданные пользователем при запуске корневого run'а.
type UserInput struct {
	ID         uuid.UUID  `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	Channel    string     `json:"channel"`
	Type       DataType   `json:"type"`
	DataTreeID *uuid.UUID `json:"data_tree_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (u *UserInput) ChannelName() string { return u.Channel }
func (u *UserInput) TreeID() *uuid.UUID { return u.DataTreeID }
func (u *UserInput) AttachTree(id uuid.UUID) { u.DataTreeID = &id }

// Connector — узел канала на ветке, через который связываются дети.
//
// Уникален по (RunID, Channel). HasSource=true означает, что у канала
// уже есть производитель; второй производитель — ошибка валидации.
type Connector struct {
	ID         uuid.UUID  `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	Channel    string     `json:"channel"`
	Type       DataType   `json:"type"`
	HasSource  bool       `json:"has_source"`
	DataTreeID *uuid.UUID `json:"data_tree_id,omitempty"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (c *Connector) ChannelName() string { return c.Channel }
func (c *Connector) TreeID() *uuid.UUID { return c.DataTreeID }
func (c *Connector) AttachTree(id uuid.UUID) { c.DataTreeID = &id }
