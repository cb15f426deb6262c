package server

import (
	"encoding/json"

	"buildline/internal/agents"
	"buildline/internal/domain"
	"buildline/internal/model"
	"buildline/internal/requirements"
)

// Request payloads

type RegisterAgentRequest struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name" minLength:"1"`
	MemoryMB int               `json:"memory_mb,omitempty" minimum:"0"`
	OS       string            `json:"os,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// Response payloads

// ProjectResponse is one node of the project tree. Children are referenced
// by id so the schema stays flat.
type ProjectResponse struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	ParentID      string            `json:"parent_id,omitempty"`
	Path          []string          `json:"path"`
	Params        map[string]string `json:"params,omitempty"`
	SubprojectIDs []string          `json:"subproject_ids"`
	BuildTypeIDs  []string          `json:"build_type_ids"`
}

type ProjectTreeResponse struct {
	Version  string            `json:"version,omitempty"`
	RootID   string            `json:"root_id"`
	Projects []ProjectResponse `json:"projects"`
}

type StepResponse struct {
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
	Script     string `json:"script"`
}

type BuildTypeResponse struct {
	ID                  string                     `json:"id"`
	Name                string                     `json:"name"`
	Description         string                     `json:"description,omitempty"`
	ProjectID           string                     `json:"project_id"`
	AllowExternalStatus bool                       `json:"allow_external_status"`
	VcsRootID           string                     `json:"vcs_root_id,omitempty"`
	Params              map[string]string          `json:"params,omitempty"`
	Steps               []StepResponse             `json:"steps"`
	Requirements        []requirements.Requirement `json:"requirements"`
}

type BuildDetailResponse struct {
	Build domain.Build       `json:"build"`
	Steps []domain.BuildStep `json:"steps"`
}

type UnmetResponse struct {
	Requirement string `json:"requirement"`
	Reason      string `json:"reason"`
}

type CompatibilityResponse struct {
	AgentID     string          `json:"agent_id"`
	AgentName   string          `json:"agent_name"`
	BuildTypeID string          `json:"build_type_id"`
	Compatible  bool            `json:"compatible"`
	Unmet       []UnmetResponse `json:"unmet"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type listBuilds struct {
	Items []domain.Build `json:"items"`
}

type listAgents struct {
	Items []domain.Agent `json:"items"`
}

type listEvents struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func projectTreeResponse(version string, root *model.Project) ProjectTreeResponse {
	resp := ProjectTreeResponse{Version: version, RootID: root.ID(), Projects: []ProjectResponse{}}
	root.Walk(func(p *model.Project) bool {
		resp.Projects = append(resp.Projects, projectResponse(p))
		return true
	})
	return resp
}

func projectResponse(p *model.Project) ProjectResponse {
	out := ProjectResponse{
		ID:            p.ID(),
		Name:          p.Name(),
		Description:   p.Description(),
		Path:          p.Path(),
		Params:        p.OwnParams(),
		SubprojectIDs: []string{},
		BuildTypeIDs:  []string{},
	}
	if parent := p.Parent(); parent != nil {
		out.ParentID = parent.ID()
	}
	for _, sp := range p.Subprojects() {
		out.SubprojectIDs = append(out.SubprojectIDs, sp.ID())
	}
	for _, bt := range p.BuildTypes() {
		out.BuildTypeIDs = append(out.BuildTypeIDs, bt.ID())
	}
	return out
}

func buildTypeResponse(bt *model.BuildType) BuildTypeResponse {
	out := BuildTypeResponse{
		ID:                  bt.ID(),
		Name:                bt.Name(),
		Description:         bt.Description(),
		ProjectID:           bt.Project().ID(),
		AllowExternalStatus: bt.AllowExternalStatus(),
		VcsRootID:           bt.VcsRootID(),
		Params:              bt.Params(),
		Steps:               []StepResponse{},
		Requirements:        nonNilSlice(bt.Requirements()),
	}
	for _, st := range bt.Steps() {
		out.Steps = append(out.Steps, StepResponse(st))
	}
	return out
}

func compatibilityResponse(buildTypeID string, c agents.Compatibility) CompatibilityResponse {
	out := CompatibilityResponse{
		AgentID:     c.Agent.ID,
		AgentName:   c.Agent.Name,
		BuildTypeID: buildTypeID,
		Compatible:  c.Result.Satisfied,
		Unmet:       []UnmetResponse{},
	}
	for _, u := range c.Result.Unmet {
		out.Unmet = append(out.Unmet, UnmetResponse{Requirement: u.Requirement.String(), Reason: u.Reason})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
