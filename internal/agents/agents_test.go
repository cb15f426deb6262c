package agents_test

import (
	"errors"
	"testing"

	"buildline/internal/agents"
	"buildline/internal/domain"
	"buildline/internal/model"
	"buildline/internal/settings"
)

func dockerBuildType(t *testing.T) *model.BuildType {
	t.Helper()
	root, err := settings.Default().Compile()
	if err != nil {
		t.Fatalf("compile default settings: %v", err)
	}
	bt, ok := root.FindBuildType("BuildDocker")
	if !ok {
		t.Fatalf("BuildDocker missing")
	}
	return bt
}

func TestSelectScenarios(t *testing.T) {
	bt := dockerBuildType(t)
	ubuntu := domain.Agent{ID: "a1", Name: "Ubuntu-20.04.3-x", MemoryMB: 32000, Enabled: true}
	windows := domain.Agent{ID: "a2", Name: "Windows-2019", MemoryMB: 32000, Enabled: true}

	if !agents.Check(bt, ubuntu).Satisfied {
		t.Fatalf("expected ubuntu agent to satisfy requirements")
	}
	if agents.Check(bt, windows).Satisfied {
		t.Fatalf("expected windows agent to be rejected")
	}

	got, err := agents.Select(bt, []domain.Agent{windows, ubuntu})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != "a1" {
		t.Fatalf("selected %s, want a1", got.ID)
	}

	_, err = agents.Select(bt, []domain.Agent{windows})
	if !errors.Is(err, agents.ErrNoCompatibleAgent) {
		t.Fatalf("expected ErrNoCompatibleAgent, got %v", err)
	}
}

func TestSelectSkipsDisabledAgents(t *testing.T) {
	bt := dockerBuildType(t)
	disabled := domain.Agent{ID: "a1", Name: "Ubuntu-20.04-big", MemoryMB: 64000, Enabled: false}
	small := domain.Agent{ID: "a2", Name: "Ubuntu-20.04-small", MemoryMB: 8000, Enabled: true}
	if _, err := agents.Select(bt, []domain.Agent{disabled, small}); !errors.Is(err, agents.ErrNoCompatibleAgent) {
		t.Fatalf("expected no agent, got %v", err)
	}
}

func TestExplicitParamsOverrideDerived(t *testing.T) {
	a := domain.Agent{
		Name:     "build-host-7",
		MemoryMB: 4000,
		Params: map[string]string{
			agents.ParamNamePrefix: "Ubuntu-20.04",
			agents.ParamMemoryMB:   "32768",
		},
		Enabled: true,
	}
	res := agents.Check(dockerBuildType(t), a)
	if !res.Satisfied {
		t.Fatalf("expected explicit params to satisfy requirements: %+v", res.Unmet)
	}
	if agents.Metadata(a)[agents.ParamAgentName] != "build-host-7" {
		t.Fatalf("agent name param missing")
	}
}

func TestCompatibleReportsEveryAgent(t *testing.T) {
	bt := dockerBuildType(t)
	out := agents.Compatible(bt, []domain.Agent{
		{ID: "a", Name: "Ubuntu-20.04", MemoryMB: 16001},
		{ID: "b", Name: "Ubuntu-20.04", MemoryMB: 16000},
	})
	if len(out) != 2 || !out[0].Result.Satisfied || out[1].Result.Satisfied {
		t.Fatalf("unexpected compatibility: %+v", out)
	}
}
