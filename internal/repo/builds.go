package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"buildline/internal/domain"
)

// ErrNotQueued is returned when a build is no longer waiting in the queue.
var ErrNotQueued = errors.New("build is not queued")

const buildColumns = `id,number,build_type_id,project_id,status,status_text,agent_id,triggered_by,exit_code,queued_at,started_at,finished_at`

func scanBuild(scan func(dest ...any) error) (domain.Build, error) {
	var b domain.Build
	var statusText, agentID, startedAt, finishedAt sql.NullString
	var exitCode sql.NullInt64
	err := scan(&b.ID, &b.Number, &b.BuildTypeID, &b.ProjectID, &b.Status, &statusText, &agentID,
		&b.TriggeredBy, &exitCode, &b.QueuedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.StatusText = statusText.String
	b.AgentID = stringPtr(agentID)
	b.ExitCode = intPtr(exitCode)
	b.StartedAt = stringPtr(startedAt)
	b.FinishedAt = stringPtr(finishedAt)
	return b, nil
}

// NextBuildNumber returns the number the next build of buildTypeID gets.
func (r Repo) NextBuildNumber(ctx context.Context, tx *sql.Tx, buildTypeID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0)+1 FROM builds WHERE build_type_id=?`, buildTypeID).Scan(&n)
	return n, err
}

func (r Repo) InsertBuild(ctx context.Context, tx *sql.Tx, b domain.Build) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO builds(`+buildColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Number, b.BuildTypeID, b.ProjectID, b.Status, nullable(b.StatusText), nullableStringPtr(b.AgentID),
		b.TriggeredBy, nullableIntPtr(b.ExitCode), b.QueuedAt, nullableStringPtr(b.StartedAt), nullableStringPtr(b.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (r Repo) GetBuild(ctx context.Context, id string) (domain.Build, error) {
	return r.GetBuildTx(ctx, nil, id)
}

func (r Repo) GetBuildTx(ctx context.Context, tx *sql.Tx, id string) (domain.Build, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id=?`, id)
	return scanBuild(row.Scan)
}

type BuildFilters struct {
	BuildTypeID string
	Status      string
	Limit       int
}

// ListBuilds returns builds newest first.
func (r Repo) ListBuilds(ctx context.Context, f BuildFilters) ([]domain.Build, error) {
	var (
		where []string
		args  []any
	)
	if f.BuildTypeID != "" {
		where = append(where, "build_type_id=?")
		args = append(args, f.BuildTypeID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + buildColumns + ` FROM builds`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY queued_at DESC, number DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuild(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// StartBuild moves a queued build to running on agentID. A build that has
// already left the queue yields ErrNotQueued.
func (r Repo) StartBuild(ctx context.Context, tx *sql.Tx, id, agentID, startedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE builds SET status=?, agent_id=?, started_at=? WHERE id=? AND status=?`,
		domain.BuildRunning, agentID, startedAt, id, domain.BuildQueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotQueued
	}
	return nil
}

// FinishBuild records the terminal status of a queued or running build. A
// build that already reached a terminal status yields ErrNotQueued and keeps it.
func (r Repo) FinishBuild(ctx context.Context, tx *sql.Tx, id, status, statusText string, exitCode *int, finishedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE builds SET status=?, status_text=?, exit_code=?, finished_at=? WHERE id=? AND status IN (?,?)`,
		status, nullable(statusText), nullableIntPtr(exitCode), finishedAt, id, domain.BuildQueued, domain.BuildRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetBuildTx(ctx, tx, id); err != nil {
			return err
		}
		return ErrNotQueued
	}
	return nil
}

// CancelQueuedBuild cancels a build that has not started yet.
func (r Repo) CancelQueuedBuild(ctx context.Context, tx *sql.Tx, id, finishedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE builds SET status=?, status_text=?, finished_at=? WHERE id=? AND status=?`,
		domain.BuildCanceled, "canceled before start", finishedAt, id, domain.BuildQueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotQueued
	}
	return nil
}

func (r Repo) InsertBuildStep(ctx context.Context, tx *sql.Tx, s domain.BuildStep) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO build_steps(build_id,idx,name,working_dir,command,status,exit_code,error,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.BuildID, s.Index, s.Name, s.WorkingDir, s.Command, s.Status, s.ExitCode, nullable(s.Error), s.StartedAt, s.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert build step: %w", err)
	}
	return nil
}

func (r Repo) ListBuildSteps(ctx context.Context, buildID string) ([]domain.BuildStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT build_id,idx,name,working_dir,command,status,exit_code,COALESCE(error,''),started_at,finished_at FROM build_steps WHERE build_id=? ORDER BY idx`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildStep
	for rows.Next() {
		var s domain.BuildStep
		if err := rows.Scan(&s.BuildID, &s.Index, &s.Name, &s.WorkingDir, &s.Command, &s.Status, &s.ExitCode, &s.Error, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountBuildsByStatus returns build counts keyed by status.
func (r Repo) CountBuildsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
