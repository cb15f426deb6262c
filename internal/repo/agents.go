package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"buildline/internal/domain"
)

const agentColumns = `id,name,memory_mb,COALESCE(os,''),params_json,enabled,registered_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var paramsJSON string
	var enabled int
	if err := scan(&a.ID, &a.Name, &a.MemoryMB, &a.OS, &paramsJSON, &enabled, &a.RegisteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrNotFound
		}
		return a, err
	}
	a.Enabled = enabled != 0
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &a.Params); err != nil {
			return a, fmt.Errorf("decode agent %s params: %w", a.ID, err)
		}
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	params := a.Params
	if params == nil {
		params = map[string]string{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	enabled := 0
	if a.Enabled {
		enabled = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agents(id,name,memory_mb,os,params_json,enabled,registered_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.MemoryMB, nullable(a.OS), string(b), enabled, a.RegisteredAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

// ListAgents returns agents in registration order.
func (r Repo) ListAgents(ctx context.Context, enabledOnly bool) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if enabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY registered_at, id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetAgentEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET enabled=? WHERE id=?`, v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
