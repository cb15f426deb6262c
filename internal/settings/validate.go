package settings

import (
	"fmt"
	"strings"
)

// ValidationError reports a declaration that cannot be compiled.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid settings: " + e.Reason }

// Validate ensures the settings describe a loadable project tree.
func (s *Settings) Validate() error {
	if s.Project.ID == "" {
		return &ValidationError{Reason: "settings.project.id is required"}
	}
	buildTypeIDs := map[string]string{}
	projectIDs := map[string]bool{}
	if err := validateProject(s.Project, "project", projectIDs, buildTypeIDs); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func validateProject(p Project, where string, projectIDs map[string]bool, buildTypeIDs map[string]string) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%s.id is required", where)
	}
	if projectIDs[p.ID] {
		return fmt.Errorf("%s: project id %s is declared twice", where, p.ID)
	}
	projectIDs[p.ID] = true
	for k := range p.Params {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("project %s has an empty param name", p.ID)
		}
	}
	roots := map[string]bool{}
	for _, r := range p.VcsRoots {
		if r.ID == "" {
			return fmt.Errorf("project %s has a vcs root without id", p.ID)
		}
		if r.URL == "" {
			return fmt.Errorf("vcs root %s: url is required", r.ID)
		}
		if roots[r.ID] {
			return fmt.Errorf("project %s: duplicate vcs root %s", p.ID, r.ID)
		}
		roots[r.ID] = true
	}
	names := map[string]bool{}
	for i, bt := range p.BuildTypes {
		btWhere := fmt.Sprintf("%s.build_types[%d]", where, i)
		if bt.ID == "" {
			return fmt.Errorf("%s.id is required", btWhere)
		}
		if owner, ok := buildTypeIDs[bt.ID]; ok {
			return fmt.Errorf("build type id %s is declared in both %s and %s", bt.ID, owner, p.ID)
		}
		buildTypeIDs[bt.ID] = p.ID
		if bt.Name != "" {
			if names[bt.Name] {
				return fmt.Errorf("project %s: duplicate child name %q", p.ID, bt.Name)
			}
			names[bt.Name] = true
		}
		if len(bt.Steps) == 0 {
			return fmt.Errorf("build type %s requires at least one step", bt.ID)
		}
		for j, st := range bt.Steps {
			if strings.TrimSpace(st.Script) == "" {
				return fmt.Errorf("build type %s step %d has an empty script", bt.ID, j+1)
			}
		}
		for _, r := range bt.Requirements {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("build type %s: %w", bt.ID, err)
			}
		}
	}
	for i, sp := range p.Subprojects {
		if sp.Name != "" {
			if names[sp.Name] {
				return fmt.Errorf("project %s: duplicate child name %q", p.ID, sp.Name)
			}
			names[sp.Name] = true
		}
		if err := validateProject(sp, fmt.Sprintf("%s.subprojects[%d]", where, i), projectIDs, buildTypeIDs); err != nil {
			return err
		}
	}
	return nil
}
