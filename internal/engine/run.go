package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"buildline/internal/agents"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/model"
	"buildline/internal/params"
	"buildline/internal/repo"
	"buildline/internal/runner"
	"buildline/internal/vcs"
)

// Run dispatches a queued build to a compatible agent and executes its steps
// in order. Build failures (no agent, non-zero exit, checkout problems) are
// reported through the returned build's status; the error is reserved for
// problems recording the build itself. Nothing is retried.
func (e Engine) Run(ctx context.Context, buildID string) (domain.Build, error) {
	b, err := e.Repo.GetBuild(ctx, buildID)
	if err != nil {
		return domain.Build{}, fmt.Errorf("build %s: %w", buildID, err)
	}
	if b.Status != domain.BuildQueued {
		return b, fmt.Errorf("build %s: %w", buildID, repo.ErrNotQueued)
	}
	entry := e.logger().WithFields(log.Fields{
		"build":      b.ID,
		"build_type": b.BuildTypeID,
		"number":     b.Number,
	})

	bt, err := e.BuildType(b.BuildTypeID)
	if err != nil {
		return e.finish(ctx, b, domain.BuildFailed, "build type is no longer declared", nil, time.Time{})
	}
	pool, err := e.Repo.ListAgents(ctx, true)
	if err != nil {
		return b, err
	}
	agent, err := agents.Select(bt, pool)
	if errors.Is(err, agents.ErrNoCompatibleAgent) {
		e.Metrics.Dispatch("unassigned")
		entry.WithField("agents", len(pool)).Warn("No compatible agent")
		if err := e.recordUnassigned(ctx, b, bt, pool); err != nil {
			return b, err
		}
		return e.finish(ctx, b, domain.BuildFailed, agents.ErrNoCompatibleAgent.Error(), nil, time.Time{})
	}
	if err != nil {
		return b, err
	}

	started := e.now()
	if err := e.start(ctx, b, agent); err != nil {
		return b, err
	}
	e.Metrics.Dispatch("assigned")
	entry = entry.WithField("agent", agent.Name)
	entry.Info("Build started")

	values := params.Merge(bt.Params(), map[string]string{
		params.BuildNumber: itoa(b.Number),
		params.BuildID:     b.ID,
		params.BuildTypeID: bt.ID(),
		params.ProjectName: bt.Project().Name(),
	})
	workDir, err := e.prepareWorkDir(ctx, bt, values)
	if err != nil {
		entry.WithError(err).Error("Checkout failed")
		return e.finish(ctx, b, domain.BuildFailed, "checkout failed: "+err.Error(), nil, started)
	}
	values[params.CheckoutDir] = workDir

	for i, st := range bt.Steps() {
		status, code, text := e.runStep(ctx, b, i, st, workDir, values)
		if status != domain.BuildSuccess {
			entry.WithFields(log.Fields{"step": st.Name, "exit_code": code}).Warn("Build " + status)
			return e.finish(ctx, b, status, text, &code, started)
		}
	}
	zero := 0
	entry.Info("Build finished")
	return e.finish(ctx, b, domain.BuildSuccess, "", &zero, started)
}

func (e Engine) start(ctx context.Context, b domain.Build, agent domain.Agent) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.StartBuild(ctx, tx, b.ID, agent.ID, e.ts()); err != nil {
		return fmt.Errorf("build %s: %w", b.ID, err)
	}
	if err := e.appendEvent(ctx, tx, events.BuildStarted, "build", b.ID, "system", events.Payload{
		"agent_id": agent.ID,
		"agent":    agent.Name,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) recordUnassigned(ctx context.Context, b domain.Build, bt *model.BuildType, pool []domain.Agent) error {
	unmet := map[string][]string{}
	for _, c := range agents.Compatible(bt, pool) {
		for _, u := range c.Result.Unmet {
			unmet[c.Agent.ID] = append(unmet[c.Agent.ID], u.Requirement.String()+": "+u.Reason)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.appendEvent(ctx, tx, events.BuildUnassigned, "build", b.ID, "system", events.Payload{
		"agents": len(pool),
		"unmet":  unmet,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) prepareWorkDir(ctx context.Context, bt *model.BuildType, values map[string]string) (string, error) {
	if e.Checkout == nil {
		dir := e.Workspace
		if dir == "" {
			dir = "."
		}
		return filepath.Abs(dir)
	}
	dir := e.checkoutDir(bt)
	root := e.vcsRoot(bt, values)
	if err := e.Checkout(ctx, root, dir); err != nil {
		return "", err
	}
	if rev, err := vcs.Head(dir); err == nil {
		e.logger().WithFields(log.Fields{"root": root.ID, "revision": rev}).Info("Checked out")
	}
	return dir, nil
}

// runStep executes one step and records it. The returned status is the
// build status the step implies.
func (e Engine) runStep(ctx context.Context, b domain.Build, idx int, st model.Step, workDir string, values map[string]string) (string, int, string) {
	dir := params.Resolve(st.WorkingDir, values)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workDir, dir)
	}
	script := params.Resolve(st.Script, values)
	for _, ref := range params.References(st.Script) {
		if _, ok := values[ref]; !ok {
			e.logger().WithFields(log.Fields{"build": b.ID, "step": st.Name, "param": ref}).Warn("Unresolved parameter left as is")
		}
	}
	startedAt := e.ts()
	code, runErr := e.Runner.Run(ctx, runner.StepRun{
		BuildID: b.ID,
		Index:   idx,
		Name:    st.Name,
		Dir:     dir,
		Script:  script,
		Env:     stepEnv(values),
	})

	status, text := domain.BuildSuccess, ""
	switch {
	case runErr != nil && ctx.Err() != nil:
		status, text = domain.BuildCanceled, fmt.Sprintf("step %q canceled", st.Name)
	case runErr != nil:
		status, text = domain.BuildFailed, fmt.Sprintf("step %q: %v", st.Name, runErr)
	case code != 0:
		status, text = domain.BuildFailed, fmt.Sprintf("step %q exited with code %d", st.Name, code)
	}
	stepStatus := status
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	rec := domain.BuildStep{
		BuildID:    b.ID,
		Index:      idx,
		Name:       st.Name,
		WorkingDir: dir,
		Command:    script,
		Status:     stepStatus,
		ExitCode:   code,
		Error:      errText,
		StartedAt:  startedAt,
		FinishedAt: e.ts(),
	}
	bookkeeping := context.WithoutCancel(ctx)
	if err := e.recordStep(bookkeeping, rec); err != nil {
		e.logger().WithError(err).WithField("build", b.ID).Error("Recording step failed")
	}
	return status, code, text
}

func (e Engine) recordStep(ctx context.Context, s domain.BuildStep) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBuildStep(ctx, tx, s); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.BuildStep, "build", s.BuildID, "system", events.Payload{
		"index":     s.Index,
		"name":      s.Name,
		"status":    s.Status,
		"exit_code": s.ExitCode,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// finish records the terminal status even when ctx has been canceled. A build
// canceled concurrently keeps its canceled status.
func (e Engine) finish(ctx context.Context, b domain.Build, status, text string, exitCode *int, started time.Time) (domain.Build, error) {
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.FinishBuild(ctx, tx, b.ID, status, text, exitCode, e.ts()); err != nil {
		if errors.Is(err, repo.ErrNotQueued) {
			e.logger().WithFields(log.Fields{"build": b.ID, "status": status}).Info("Build already finished")
			return e.Repo.GetBuild(ctx, b.ID)
		}
		return b, err
	}
	payload := events.Payload{"status": status}
	if text != "" {
		payload["status_text"] = text
	}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	if err := e.appendEvent(ctx, tx, events.BuildFinished, "build", b.ID, "system", payload); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = e.now().Sub(started)
	}
	e.Metrics.BuildFinished(b.BuildTypeID, status, elapsed)
	return e.Repo.GetBuild(ctx, b.ID)
}

// stepEnv exports env.* params as environment variables plus the build number.
func stepEnv(values map[string]string) []string {
	var env []string
	for _, k := range model.SortedKeys(values) {
		if name, ok := strings.CutPrefix(k, "env."); ok && name != "" {
			env = append(env, name+"="+values[k])
		}
	}
	env = append(env, "BUILD_NUMBER="+values[params.BuildNumber])
	return env
}
