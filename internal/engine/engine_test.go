package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"buildline/internal/agents"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/events"
	"buildline/internal/migrate"
	"buildline/internal/repo"
	"buildline/internal/runner"
	"buildline/internal/settings"
	"buildline/internal/vcs"
)

const dockerCommand = "make IMG=quay.io/betsson-oss/dex-operator docker-build docker-push"

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, step runner.StepRun) (int, error) {
	args := m.Called(ctx, step)
	return args.Int(0), args.Error(1)
}

type testEnv struct {
	Engine engine.Engine
	Runner *mockRunner
	Ctx    context.Context
}

func newTestEnv(t *testing.T, s *settings.Settings) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	if s == nil {
		s = settings.Default()
	}
	project, err := s.Compile()
	require.NoError(t, err)

	eng := engine.New(conn, s, project, dir)
	r := &mockRunner{}
	eng.Runner = r
	logger, _ := test.NewNullLogger()
	eng.Logger = logger
	var clockMu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return testEnv{Engine: eng, Runner: r, Ctx: context.Background()}
}

func (env testEnv) addAgent(t *testing.T, name string, memory int) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentOptions{Name: name, MemoryMB: memory, ActorID: "tester"})
	require.NoError(t, err)
	return a
}

func TestRunBuildSucceedsOnCompatibleAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "Windows-2019-a", 64000)
	ubuntu := env.addAgent(t, "Ubuntu-20.04.3-x", 32000)
	env.Runner.On("Run", mock.Anything, mock.MatchedBy(func(s runner.StepRun) bool {
		return s.Name == "Docker Build and Push" && s.Script == dockerCommand && s.Dir == env.Engine.Workspace
	})).Return(0, nil).Once()

	b, err := env.Engine.RunBuildType(env.Ctx, "BuildDocker", "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildSuccess, b.Status)
	require.NotNil(t, b.AgentID)
	require.Equal(t, ubuntu.ID, *b.AgentID)
	require.NotNil(t, b.ExitCode)
	require.Equal(t, 0, *b.ExitCode)
	require.Equal(t, 1, b.Number)
	require.Equal(t, "DexOperator", b.ProjectID)

	_, steps, err := env.Engine.BuildDetails(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, dockerCommand, steps[0].Command)
	require.Equal(t, domain.BuildSuccess, steps[0].Status)
	env.Runner.AssertExpectations(t)
}

func TestRunBuildFailsOnNonZeroExit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "Ubuntu-20.04-big", 32000)
	env.Runner.On("Run", mock.Anything, mock.Anything).Return(2, nil).Once()

	b, err := env.Engine.RunBuildType(env.Ctx, "BuildDocker", "")
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, b.Status)
	require.NotNil(t, b.ExitCode)
	require.Equal(t, 2, *b.ExitCode)
	require.Contains(t, b.StatusText, "exited with code 2")
}

const twoStepSettings = `version: "1"
project:
  id: _Root
  name: Root
  params:
    env.GREETING: hello
    image: quay.io/example/app
  build_types:
    - id: Pipeline
      name: Pipeline
      steps:
        - name: build
          script: docker build -t %image%:%build.number% .
        - name: push
          working_dir: deploy
          script: docker push %image%:%build.number%
`

func TestRunStopsAtFirstFailingStep(t *testing.T) {
	s, err := settings.FromYAML([]byte(twoStepSettings))
	require.NoError(t, err)
	env := newTestEnv(t, s)
	env.addAgent(t, "any", 1)
	env.Runner.On("Run", mock.Anything, mock.MatchedBy(func(s runner.StepRun) bool { return s.Index == 0 })).
		Return(1, nil).Once()

	b, err := env.Engine.RunBuildType(env.Ctx, "Pipeline", "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, b.Status)
	env.Runner.AssertNumberOfCalls(t, "Run", 1)

	_, steps, err := env.Engine.BuildDetails(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, "build", steps[0].Name)
}

func TestRunResolvesParamsInSteps(t *testing.T) {
	s, err := settings.FromYAML([]byte(twoStepSettings))
	require.NoError(t, err)
	env := newTestEnv(t, s)
	env.addAgent(t, "any", 1)
	var seen []runner.StepRun
	env.Runner.On("Run", mock.Anything, mock.Anything).Return(0, nil).Run(func(args mock.Arguments) {
		seen = append(seen, args.Get(1).(runner.StepRun))
	})

	_, err = env.Engine.RunBuildType(env.Ctx, "Pipeline", "tester")
	require.NoError(t, err)
	second, err := env.Engine.RunBuildType(env.Ctx, "Pipeline", "tester")
	require.NoError(t, err)
	require.Equal(t, 2, second.Number)

	require.Len(t, seen, 4)
	require.Equal(t, "docker build -t quay.io/example/app:1 .", seen[0].Script)
	require.Equal(t, "docker push quay.io/example/app:2", seen[3].Script)
	require.Equal(t, filepath.Join(env.Engine.Workspace, "deploy"), seen[1].Dir)
	require.Contains(t, seen[0].Env, "GREETING=hello")
	require.Contains(t, seen[0].Env, "BUILD_NUMBER=1")
}

func TestRunWithoutCompatibleAgentFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "Windows-2019", 64000)
	env.addAgent(t, "Ubuntu-20.04-small", 16000)

	b, err := env.Engine.RunBuildType(env.Ctx, "BuildDocker", "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, b.Status)
	require.Equal(t, agents.ErrNoCompatibleAgent.Error(), b.StatusText)
	require.Nil(t, b.AgentID)
	env.Runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, events.BuildUnassigned, "build", b.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
}

func TestDisabledAgentIsSkipped(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.addAgent(t, "Ubuntu-20.04-one", 32000)
	second := env.addAgent(t, "Ubuntu-20.04-two", 32000)
	_, err := env.Engine.SetAgentEnabled(env.Ctx, first.ID, false, "tester")
	require.NoError(t, err)
	env.Runner.On("Run", mock.Anything, mock.Anything).Return(0, nil)

	b, err := env.Engine.RunBuildType(env.Ctx, "BuildDocker", "tester")
	require.NoError(t, err)
	require.Equal(t, second.ID, *b.AgentID)

	_, err = env.Engine.SetAgentEnabled(env.Ctx, "missing", true, "tester")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCancelQueuedBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	b, err := env.Engine.Trigger(env.Ctx, "BuildDocker", "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildQueued, b.Status)

	canceled, err := env.Engine.Cancel(env.Ctx, b.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildCanceled, canceled.Status)

	_, err = env.Engine.Run(env.Ctx, b.ID)
	require.ErrorIs(t, err, repo.ErrNotQueued)
	_, err = env.Engine.Cancel(env.Ctx, b.ID, "tester")
	require.ErrorIs(t, err, repo.ErrNotQueued)
	_, err = env.Engine.Cancel(env.Ctx, "nope", "tester")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestTriggerUnknownBuildType(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Trigger(env.Ctx, "Nope", "tester")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunnerErrorAndCancellation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "Ubuntu-20.04-x", 32000)
	env.Runner.On("Run", mock.Anything, mock.Anything).Return(-1, errors.New("exec: sh not found")).Once()

	b, err := env.Engine.RunBuildType(env.Ctx, "BuildDocker", "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, b.Status)
	require.Contains(t, b.StatusText, "sh not found")

	ctx, cancel := context.WithCancel(env.Ctx)
	env.Runner.On("Run", mock.Anything, mock.Anything).Return(-1, context.Canceled).Run(func(mock.Arguments) {
		cancel()
	}).Once()
	b, err = env.Engine.RunBuildType(ctx, "BuildDocker", "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildCanceled, b.Status)
}

func TestCheckoutFailureFailsBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "Ubuntu-20.04-x", 32000)
	var root vcs.Root
	env.Engine.Checkout = func(_ context.Context, r vcs.Root, _ string) error {
		root = r
		return errors.New("permission denied (publickey)")
	}

	b, err := env.Engine.RunBuildType(env.Ctx, "BuildDocker", "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, b.Status)
	require.Contains(t, b.StatusText, "checkout failed")
	require.Equal(t, "GenericGitSsh", root.ID)
	require.Equal(t, "ssh://git@edgecharlie.corpsson.com:7999/iac/dex-operator.git", root.URL)
	env.Runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestCheckAgentReportsUnmet(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.addAgent(t, "Windows-2019", 8000)
	c, err := env.Engine.CheckAgent(env.Ctx, "BuildDocker", a.ID)
	require.NoError(t, err)
	require.False(t, c.Result.Satisfied)
	require.Len(t, c.Result.Unmet, 2)

	all, err := env.Engine.Compatibility(env.Ctx, "BuildDocker")
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = env.Engine.CheckAgent(env.Ctx, "BuildDocker", "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentBuildsGetDistinctNumbers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "Ubuntu-20.04-x", 32000)
	env.Runner.On("Run", mock.Anything, mock.Anything).Return(0, nil)

	const n = 30
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var (
				b   domain.Build
				err error
			)
			if i%2 == 0 {
				b, err = env.Engine.RunBuildType(env.Ctx, "BuildDocker", "tester")
			} else {
				b, err = env.Engine.Trigger(env.Ctx, "BuildDocker", "tester")
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers = append(numbers, b.Number)
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	sort.Ints(numbers)
	require.Len(t, numbers, n)
	for i, got := range numbers {
		require.Equal(t, i+1, got)
	}
}

func TestFinishKeepsConcurrentCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "Ubuntu-20.04-x", 32000)
	env.Engine.Runner = runner.Func(func(ctx context.Context, step runner.StepRun) (int, error) {
		err := env.Engine.Repo.FinishBuild(ctx, nil, step.BuildID, domain.BuildCanceled, "canceled elsewhere", nil, "2024-01-01T00:10:00.000000Z")
		require.NoError(t, err)
		return 1, nil
	})

	b, err := env.Engine.RunBuildType(env.Ctx, "BuildDocker", "tester")
	require.NoError(t, err)
	require.Equal(t, domain.BuildCanceled, b.Status)
	require.Equal(t, "canceled elsewhere", b.StatusText)
}
