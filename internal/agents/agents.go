// Package agents matches build configurations against the agent pool.
package agents

import (
	"errors"
	"fmt"
	"strconv"

	"buildline/internal/domain"
	"buildline/internal/model"
	"buildline/internal/requirements"
)

// Agent parameter names derived from the agent record.
const (
	ParamAgentName  = "teamcity.agent.name"
	ParamNamePrefix = "cloud.amazon.agent-name-prefix"
	ParamMemoryMB   = "teamcity.agent.hardware.memorySizeMb"
	ParamOSName     = "teamcity.agent.jvm.os.name"
)

// ErrNoCompatibleAgent is returned when no enabled agent satisfies every
// requirement of a build configuration.
var ErrNoCompatibleAgent = errors.New("no compatible agent")

// Metadata returns the parameters an agent reports. Explicit params win over
// the values derived from the agent's name, memory and OS.
func Metadata(a domain.Agent) requirements.Metadata {
	meta := requirements.Metadata{
		ParamAgentName:  a.Name,
		ParamNamePrefix: a.Name,
	}
	if a.MemoryMB > 0 {
		meta[ParamMemoryMB] = strconv.Itoa(a.MemoryMB)
	}
	if a.OS != "" {
		meta[ParamOSName] = a.OS
	}
	for k, v := range a.Params {
		meta[k] = v
	}
	return meta
}

// Check evaluates bt's requirements against a single agent.
func Check(bt *model.BuildType, a domain.Agent) requirements.Result {
	return requirements.Evaluate(bt.Requirements(), Metadata(a))
}

// Compatibility is one agent's verdict for a build configuration.
type Compatibility struct {
	Agent  domain.Agent        `json:"agent"`
	Result requirements.Result `json:"result"`
}

// Compatible evaluates every agent in pool.
func Compatible(bt *model.BuildType, pool []domain.Agent) []Compatibility {
	out := make([]Compatibility, 0, len(pool))
	for _, a := range pool {
		out = append(out, Compatibility{Agent: a, Result: Check(bt, a)})
	}
	return out
}

// Select picks the first enabled agent, in pool order, that satisfies bt.
func Select(bt *model.BuildType, pool []domain.Agent) (domain.Agent, error) {
	for _, a := range pool {
		if !a.Enabled {
			continue
		}
		if Check(bt, a).Satisfied {
			return a, nil
		}
	}
	return domain.Agent{}, fmt.Errorf("build type %s: %w among %d agent(s)", bt.ID(), ErrNoCompatibleAgent, len(pool))
}
