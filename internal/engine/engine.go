package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"buildline/internal/agents"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/metrics"
	"buildline/internal/model"
	"buildline/internal/params"
	"buildline/internal/repo"
	"buildline/internal/runner"
	"buildline/internal/settings"
	"buildline/internal/vcs"
)

// tsFormat keeps stored timestamps fixed width so they sort as text.
const tsFormat = "2006-01-02T15:04:05.000000Z07:00"

// RepositoryURLParam names the param holding the URL of an externally
// defined VCS root.
const RepositoryURLParam = "VCSRepositoryURL"

// CheckoutFunc fetches a VCS root into dir.
type CheckoutFunc func(ctx context.Context, root vcs.Root, dir string) error

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Settings  *settings.Settings
	Project   *model.Project
	Runner    runner.Runner
	Checkout  CheckoutFunc
	Workspace string
	Logger    log.FieldLogger
	Metrics   *metrics.Recorder
	Now       func() time.Time
}

// New wires an engine for a compiled settings tree. Steps run through a
// ShellRunner in the workspace unless Runner or Checkout are replaced.
func New(conn *sql.DB, s *settings.Settings, project *model.Project, workspace string) Engine {
	logger := log.StandardLogger()
	return Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Settings:  s,
		Project:   project,
		Runner:    runner.NewShellRunner(logger),
		Workspace: workspace,
		Logger:    logger,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(tsFormat)
}

func (e Engine) logger() log.FieldLogger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.StandardLogger()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, kind, id, actorID string, payload events.Payload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, kind, id, actorID, payload)
}

// BuildType looks a build configuration up in the loaded tree.
func (e Engine) BuildType(id string) (*model.BuildType, error) {
	if e.Project == nil {
		return nil, errors.New("settings not loaded")
	}
	bt, ok := e.Project.FindBuildType(id)
	if !ok {
		return nil, fmt.Errorf("build type %s: %w", id, repo.ErrNotFound)
	}
	return bt, nil
}

// DefaultBuildType returns the only build configuration when there is exactly one.
func (e Engine) DefaultBuildType() (*model.BuildType, error) {
	if e.Project == nil {
		return nil, errors.New("settings not loaded")
	}
	all := e.Project.AllBuildTypes()
	switch len(all) {
	case 0:
		return nil, errors.New("settings declare no build types")
	case 1:
		return all[0], nil
	}
	ids := make([]string, 0, len(all))
	for _, bt := range all {
		ids = append(ids, bt.ID())
	}
	return nil, fmt.Errorf("build type required; one of %s", strings.Join(ids, ", "))
}

// AgentOptions are parameters for registering an agent.
type AgentOptions struct {
	ID       string
	Name     string
	MemoryMB int
	OS       string
	Params   map[string]string
	Disabled bool
	ActorID  string
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentOptions) (domain.Agent, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Agent{}, errors.New("agent name is required")
	}
	if opts.MemoryMB < 0 {
		return domain.Agent{}, errors.New("agent memory must not be negative")
	}
	id := opts.ID
	if id == "" {
		id = opts.Name
	}
	a := domain.Agent{
		ID:           id,
		Name:         opts.Name,
		MemoryMB:     opts.MemoryMB,
		OS:           opts.OS,
		Params:       opts.Params,
		Enabled:      !opts.Disabled,
		RegisteredAt: e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := e.appendEvent(ctx, tx, events.AgentRegistered, "agent", a.ID, opts.ActorID, events.Payload{
		"name":      a.Name,
		"memory_mb": a.MemoryMB,
		"enabled":   a.Enabled,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) SetAgentEnabled(ctx context.Context, id string, enabled bool, actorID string) (domain.Agent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAgentEnabled(ctx, tx, id, enabled); err != nil {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", id, err)
	}
	evt := events.AgentDisabled
	if enabled {
		evt = events.AgentEnabled
	}
	if err := e.appendEvent(ctx, tx, evt, "agent", id, actorID, nil); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, id)
}

// CheckAgent evaluates one agent against a build configuration's requirements.
func (e Engine) CheckAgent(ctx context.Context, buildTypeID, agentID string) (agents.Compatibility, error) {
	bt, err := e.BuildType(buildTypeID)
	if err != nil {
		return agents.Compatibility{}, err
	}
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return agents.Compatibility{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	return agents.Compatibility{Agent: a, Result: agents.Check(bt, a)}, nil
}

// Compatibility evaluates every registered agent against a build configuration.
func (e Engine) Compatibility(ctx context.Context, buildTypeID string) ([]agents.Compatibility, error) {
	bt, err := e.BuildType(buildTypeID)
	if err != nil {
		return nil, err
	}
	pool, err := e.Repo.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	return agents.Compatible(bt, pool), nil
}

// Trigger queues a build of buildTypeID.
func (e Engine) Trigger(ctx context.Context, buildTypeID, actorID string) (domain.Build, error) {
	bt, err := e.BuildType(buildTypeID)
	if err != nil {
		return domain.Build{}, err
	}
	if actorID == "" {
		actorID = "system"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Build{}, err
	}
	defer tx.Rollback()
	number, err := e.Repo.NextBuildNumber(ctx, tx, bt.ID())
	if err != nil {
		return domain.Build{}, err
	}
	b := domain.Build{
		ID:          uuid.NewString(),
		Number:      number,
		BuildTypeID: bt.ID(),
		ProjectID:   bt.Project().ID(),
		Status:      domain.BuildQueued,
		TriggeredBy: actorID,
		QueuedAt:    e.ts(),
	}
	if err := e.Repo.InsertBuild(ctx, tx, b); err != nil {
		return domain.Build{}, err
	}
	if err := e.appendEvent(ctx, tx, events.BuildQueued, "build", b.ID, actorID, events.Payload{
		"build_type": b.BuildTypeID,
		"number":     b.Number,
	}); err != nil {
		return domain.Build{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Build{}, err
	}
	return b, nil
}

// Cancel cancels a build that is still queued.
func (e Engine) Cancel(ctx context.Context, buildID, actorID string) (domain.Build, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Build{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetBuildTx(ctx, tx, buildID); err != nil {
		return domain.Build{}, fmt.Errorf("build %s: %w", buildID, err)
	}
	if err := e.Repo.CancelQueuedBuild(ctx, tx, buildID, e.ts()); err != nil {
		return domain.Build{}, fmt.Errorf("build %s: %w", buildID, err)
	}
	if err := e.appendEvent(ctx, tx, events.BuildCanceled, "build", buildID, actorID, nil); err != nil {
		return domain.Build{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Build{}, err
	}
	return e.Repo.GetBuild(ctx, buildID)
}

// RunBuildType queues a build and runs it to completion.
func (e Engine) RunBuildType(ctx context.Context, buildTypeID, actorID string) (domain.Build, error) {
	b, err := e.Trigger(ctx, buildTypeID, actorID)
	if err != nil {
		return domain.Build{}, err
	}
	return e.Run(ctx, b.ID)
}

// BuildDetails returns a build with its recorded steps.
func (e Engine) BuildDetails(ctx context.Context, buildID string) (domain.Build, []domain.BuildStep, error) {
	b, err := e.Repo.GetBuild(ctx, buildID)
	if err != nil {
		return domain.Build{}, nil, fmt.Errorf("build %s: %w", buildID, err)
	}
	steps, err := e.Repo.ListBuildSteps(ctx, buildID)
	if err != nil {
		return domain.Build{}, nil, err
	}
	return b, steps, nil
}

func itoa(n int) string { return strconv.Itoa(n) }

func (e Engine) checkoutDir(bt *model.BuildType) string {
	return filepath.Join(db.StateDir(e.Workspace), "work", bt.ID())
}

// vcsRoot resolves the root a build type references. Roots declared in the
// settings win; otherwise the URL comes from the VCSRepositoryURL param.
func (e Engine) vcsRoot(bt *model.BuildType, values map[string]string) vcs.Root {
	if e.Settings != nil && bt.VcsRootID() != "" {
		if r, ok := e.Settings.FindVcsRoot(bt.VcsRootID()); ok {
			return vcs.Root{ID: r.ID, URL: params.Resolve(r.URL, values), Branch: r.Branch}
		}
	}
	return vcs.Root{ID: bt.VcsRootID(), URL: values[RepositoryURLParam]}
}
