package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/loom/internal/domain"
)

// ChannelRepo — репозиторий каналов: входы, выходы, пользовательские
// входы и connectors. Каждый канал уникален по (run_id, channel).
type ChannelRepo struct {
	db DB
}

// NewChannelRepo создаёт новый ChannelRepo.
func NewChannelRepo(db DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

// --- Run inputs ---

const inputColumns = `id, run_id, channel, as_channel, type, mode, grp, data_tree_id, created_at`

// CreateInput создаёт вход run.
func (r *ChannelRepo) CreateInput(ctx context.Context, in *domain.RunInput) error {
	query := `
		INSERT INTO run_inputs (` + inputColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		in.ID, in.RunID, in.Channel, nullString(in.AsChannel), in.Type, in.Mode, in.Group, in.DataTreeID, in.CreatedAt)
	if err != nil {
		return insertError("run input", err)
	}
	return nil
}

// UpdateInput сохраняет ссылку входа на дерево данных.
func (r *ChannelRepo) UpdateInput(ctx context.Context, in *domain.RunInput) error {
	tag, err := r.db.Exec(ctx, `UPDATE run_inputs SET data_tree_id = $2 WHERE id = $1`, in.ID, in.DataTreeID)
	if err != nil {
		return fmt.Errorf("update run input: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run input %s: %w", in.ID, ErrNotFound)
	}
	return nil
}

// ListInputs возвращает входы run в порядке объявления.
func (r *ChannelRepo) ListInputs(ctx context.Context, runID uuid.UUID) ([]*domain.RunInput, error) {
	query := `SELECT ` + inputColumns + ` FROM run_inputs WHERE run_id = $1 ORDER BY created_at ASC, channel ASC`
	return r.queryInputs(ctx, query, runID)
}

// ListInputsByTree возвращает все входы, читающие дерево данных.
func (r *ChannelRepo) ListInputsByTree(ctx context.Context, treeID uuid.UUID) ([]*domain.RunInput, error) {
	query := `SELECT ` + inputColumns + ` FROM run_inputs WHERE data_tree_id = $1 ORDER BY created_at ASC`
	return r.queryInputs(ctx, query, treeID)
}

func (r *ChannelRepo) queryInputs(ctx context.Context, query string, arg any) ([]*domain.RunInput, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list run inputs: %w", err)
	}
	defer rows.Close()

	var inputs []*domain.RunInput
	for rows.Next() {
		var (
			in        domain.RunInput
			asChannel *string
		)
		err := rows.Scan(&in.ID, &in.RunID, &in.Channel, &asChannel, &in.Type, &in.Mode, &in.Group, &in.DataTreeID, &in.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan run input: %w", err)
		}
		in.AsChannel = derefString(asChannel)
		inputs = append(inputs, &in)
	}
	return inputs, rows.Err()
}

// --- Run outputs ---

const outputColumns = `id, run_id, channel, as_channel, type, mode, source, parser, data_tree_id, created_at`

// CreateOutput создаёт выход run.
func (r *ChannelRepo) CreateOutput(ctx context.Context, out *domain.RunOutput) error {
	source, err := json.Marshal(out.Source)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}
	var parser []byte
	if out.Parser != nil {
		if parser, err = json.Marshal(out.Parser); err != nil {
			return fmt.Errorf("marshal parser: %w", err)
		}
	}

	query := `
		INSERT INTO run_outputs (` + outputColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.Exec(ctx, query,
		out.ID, out.RunID, out.Channel, nullString(out.AsChannel), out.Type, out.Mode, source, parser, out.DataTreeID, out.CreatedAt)
	if err != nil {
		return insertError("run output", err)
	}
	return nil
}

// UpdateOutput сохраняет ссылку выхода на дерево данных.
func (r *ChannelRepo) UpdateOutput(ctx context.Context, out *domain.RunOutput) error {
	tag, err := r.db.Exec(ctx, `UPDATE run_outputs SET data_tree_id = $2 WHERE id = $1`, out.ID, out.DataTreeID)
	if err != nil {
		return fmt.Errorf("update run output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run output %s: %w", out.ID, ErrNotFound)
	}
	return nil
}

// ListOutputs возвращает выходы run.
func (r *ChannelRepo) ListOutputs(ctx context.Context, runID uuid.UUID) ([]*domain.RunOutput, error) {
	query := `SELECT ` + outputColumns + ` FROM run_outputs WHERE run_id = $1 ORDER BY created_at ASC, channel ASC`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list run outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*domain.RunOutput
	for rows.Next() {
		var (
			out       domain.RunOutput
			asChannel *string
			source    []byte
			parser    []byte
		)
		err := rows.Scan(&out.ID, &out.RunID, &out.Channel, &asChannel, &out.Type, &out.Mode, &source, &parser, &out.DataTreeID, &out.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan run output: %w", err)
		}
		out.AsChannel = derefString(asChannel)
		if len(source) > 0 {
			if err := json.Unmarshal(source, &out.Source); err != nil {
				return nil, fmt.Errorf("unmarshal source: %w", err)
			}
		}
		if len(parser) > 0 {
			out.Parser = &domain.OutputParser{}
			if err := json.Unmarshal(parser, out.Parser); err != nil {
				return nil, fmt.Errorf("unmarshal parser: %w", err)
			}
		}
		outputs = append(outputs, &out)
	}
	return outputs, rows.Err()
}

// --- User inputs ---

// CreateUserInput создаёт пользовательский вход корневого run.
func (r *ChannelRepo) CreateUserInput(ctx context.Context, in *domain.UserInput) error {
	query := `
		INSERT INTO user_inputs (id, run_id, channel, type, data_tree_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, in.ID, in.RunID, in.Channel, in.Type, in.DataTreeID, in.CreatedAt)
	if err != nil {
		return insertError("user input", err)
	}
	return nil
}

// ListUserInputs возвращает пользовательские входы run.
func (r *ChannelRepo) ListUserInputs(ctx context.Context, runID uuid.UUID) ([]*domain.UserInput, error) {
	query := `
		SELECT id, run_id, channel, type, data_tree_id, created_at
		FROM user_inputs
		WHERE run_id = $1
		ORDER BY channel ASC
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list user inputs: %w", err)
	}
	defer rows.Close()

	var inputs []*domain.UserInput
	for rows.Next() {
		var in domain.UserInput
		if err := rows.Scan(&in.ID, &in.RunID, &in.Channel, &in.Type, &in.DataTreeID, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user input: %w", err)
		}
		inputs = append(inputs, &in)
	}
	return inputs, rows.Err()
}

// --- Connectors ---

const connectorColumns = `id, run_id, channel, type, has_source, data_tree_id, version, created_at`

// GetConnector возвращает connector ветки по имени канала.
func (r *ChannelRepo) GetConnector(ctx context.Context, runID uuid.UUID, channel string) (*domain.Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors WHERE run_id = $1 AND channel = $2`
	var c domain.Connector
	err := r.db.QueryRow(ctx, query, runID, channel).Scan(
		&c.ID, &c.RunID, &c.Channel, &c.Type, &c.HasSource, &c.DataTreeID, &c.Version, &c.CreatedAt)
	if err != nil {
		return nil, noRows("connector", err)
	}
	return &c, nil
}

// CreateConnector создаёт connector. Повтор для (run, channel) — ErrAlreadyExists.
func (r *ChannelRepo) CreateConnector(ctx context.Context, c *domain.Connector) error {
	query := `
		INSERT INTO connectors (` + connectorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query, c.ID, c.RunID, c.Channel, c.Type, c.HasSource, c.DataTreeID, c.Version, c.CreatedAt)
	if err != nil {
		return insertError("connector", err)
	}
	return nil
}

// UpdateConnector сохраняет connector с проверкой версии.
func (r *ChannelRepo) UpdateConnector(ctx context.Context, c *domain.Connector) error {
	query := `
		UPDATE connectors
		SET has_source = $3, data_tree_id = $4, version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := r.db.Exec(ctx, query, c.ID, c.Version, c.HasSource, c.DataTreeID)
	if err != nil {
		return fmt.Errorf("update connector: %w", err)
	}
	if err := checkVersion(ctx, r.db, "connectors", c.ID, tag); err != nil {
		return err
	}
	c.Version++
	return nil
}
