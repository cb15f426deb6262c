package requirements_test

import (
	"testing"

	"buildline/internal/requirements"
)

var dockerAgentReqs = []requirements.Requirement{
	{Name: "cloud.amazon.agent-name-prefix", Op: requirements.OpStartsWith, Value: "Ubuntu-20.04"},
	{Name: "teamcity.agent.hardware.memorySizeMb", Op: requirements.OpMoreThan, Value: "16000"},
}

func TestEvaluateAgentScenarios(t *testing.T) {
	cases := []struct {
		name   string
		meta   requirements.Metadata
		want   bool
		unmets int
	}{
		{"ubuntu with memory", requirements.Metadata{"cloud.amazon.agent-name-prefix": "Ubuntu-20.04.3-x", "teamcity.agent.hardware.memorySizeMb": "32000"}, true, 0},
		{"windows with memory", requirements.Metadata{"cloud.amazon.agent-name-prefix": "Windows-2019", "teamcity.agent.hardware.memorySizeMb": "32000"}, false, 1},
		{"ubuntu at threshold", requirements.Metadata{"cloud.amazon.agent-name-prefix": "Ubuntu-20.04", "teamcity.agent.hardware.memorySizeMb": "16000"}, false, 1},
		{"nothing reported", requirements.Metadata{}, false, 2},
		{"memory not numeric", requirements.Metadata{"cloud.amazon.agent-name-prefix": "Ubuntu-20.04", "teamcity.agent.hardware.memorySizeMb": "lots"}, false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := requirements.Evaluate(dockerAgentReqs, tc.meta)
			if res.Satisfied != tc.want {
				t.Fatalf("satisfied=%v want %v (unmet %+v)", res.Satisfied, tc.want, res.Unmet)
			}
			if len(res.Unmet) != tc.unmets {
				t.Fatalf("unmet=%d want %d", len(res.Unmet), tc.unmets)
			}
		})
	}
}

func TestEvaluateEmptyListIsSatisfied(t *testing.T) {
	if !requirements.Evaluate(nil, nil).Satisfied {
		t.Fatalf("expected empty requirement list to be satisfied")
	}
}

func TestCheckOps(t *testing.T) {
	meta := requirements.Metadata{"os": "Linux", "cpu": "8", "env.HOME": "/root"}
	cases := []struct {
		req  requirements.Requirement
		want bool
	}{
		{requirements.Requirement{Name: "os", Op: requirements.OpEquals, Value: "Linux"}, true},
		{requirements.Requirement{Name: "os", Op: requirements.OpDoesNotEqual, Value: "Linux"}, false},
		{requirements.Requirement{Name: "missing", Op: requirements.OpDoesNotEqual, Value: "x"}, true},
		{requirements.Requirement{Name: "os", Op: requirements.OpEndsWith, Value: "ux"}, true},
		{requirements.Requirement{Name: "os", Op: requirements.OpContains, Value: "inu"}, true},
		{requirements.Requirement{Name: "os", Op: requirements.OpDoesNotContain, Value: "Win"}, true},
		{requirements.Requirement{Name: "env.HOME", Op: requirements.OpExists}, true},
		{requirements.Requirement{Name: "env.PATH", Op: requirements.OpExists}, false},
		{requirements.Requirement{Name: "env.PATH", Op: requirements.OpDoesNotExist}, true},
		{requirements.Requirement{Name: "cpu", Op: requirements.OpLessThan, Value: "16"}, true},
		{requirements.Requirement{Name: "cpu", Op: requirements.OpMoreThan, Value: "8"}, false},
		{requirements.Requirement{Name: "os", Op: requirements.OpMatches, Value: "^Lin.x$"}, true},
	}
	for _, tc := range cases {
		if got, _ := tc.req.Check(meta); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.req, got, tc.want)
		}
	}
}

func TestParseOpAcceptsKotlinNames(t *testing.T) {
	for in, want := range map[string]requirements.Op{
		"startsWith":     requirements.OpStartsWith,
		"moreThan":       requirements.OpMoreThan,
		"starts-with":    requirements.OpStartsWith,
		"DOES_NOT_EXIST": requirements.OpDoesNotExist,
	} {
		got, err := requirements.ParseOp(in)
		if err != nil {
			t.Fatalf("parse %s: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %s: got %s want %s", in, got, want)
		}
	}
	if _, err := requirements.ParseOp("greaterish"); err == nil {
		t.Fatalf("expected unknown op error")
	}
}

func TestValidate(t *testing.T) {
	bad := []requirements.Requirement{
		{Name: "", Op: requirements.OpExists},
		{Name: "mem", Op: requirements.OpMoreThan, Value: "a lot"},
		{Name: "os", Op: requirements.OpMatches, Value: "("},
		{Name: "os", Op: "sort-of"},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("expected %+v to be invalid", r)
		}
	}
	for _, r := range dockerAgentReqs {
		if err := r.Validate(); err != nil {
			t.Errorf("unexpected error for %s: %v", r, err)
		}
	}
}
