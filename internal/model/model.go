// Package model holds the in-memory project tree a settings file compiles to.
// A tree is assembled once, frozen, and read from then on; a reload builds a
// new tree rather than changing the old one.
package model

import (
	"errors"
	"fmt"
	"sort"

	"buildline/internal/requirements"
)

// ErrFrozen is returned when a frozen tree is asked to change.
var ErrFrozen = errors.New("project tree is frozen")

// Step is one shell command run by a build configuration.
type Step struct {
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
	Script     string `json:"script"`
}

// Project is a grouping node holding shared params, subprojects and build
// configurations.
type Project struct {
	id          string
	name        string
	description string
	params      map[string]string
	parent      *Project
	subprojects []*Project
	buildTypes  []*BuildType
	frozen      bool
}

// NewProject returns an unfrozen project without children.
func NewProject(id, name, description string, params map[string]string) *Project {
	return &Project{
		id:          id,
		name:        name,
		description: description,
		params:      copyParams(params),
	}
}

func (p *Project) ID() string          { return p.id }
func (p *Project) Name() string        { return p.name }
func (p *Project) Description() string { return p.description }

// Parent is nil for the root project.
func (p *Project) Parent() *Project { return p.parent }

// OwnParams returns a copy of the params declared on this project only.
func (p *Project) OwnParams() map[string]string { return copyParams(p.params) }

// Params returns the params visible from this project: ancestors first,
// nearer declarations overriding farther ones.
func (p *Project) Params() map[string]string {
	var chain []*Project
	for cur := p; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := map[string]string{}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].params {
			out[k] = v
		}
	}
	return out
}

func (p *Project) Subprojects() []*Project {
	return append([]*Project(nil), p.subprojects...)
}

func (p *Project) BuildTypes() []*BuildType {
	return append([]*BuildType(nil), p.buildTypes...)
}

// Path returns the project ids from the root down to p.
func (p *Project) Path() []string {
	var ids []string
	for cur := p; cur != nil; cur = cur.parent {
		ids = append([]string{cur.id}, ids...)
	}
	return ids
}

// AddSubproject attaches child under p. Ids and names must be unique among
// p's direct children.
func (p *Project) AddSubproject(child *Project) error {
	if p.frozen {
		return ErrFrozen
	}
	if child.parent != nil {
		return fmt.Errorf("project %s already belongs to %s", child.id, child.parent.id)
	}
	for _, sp := range p.subprojects {
		if sp.id == child.id {
			return fmt.Errorf("duplicate subproject id %s in project %s", child.id, p.id)
		}
		if child.name != "" && sp.name == child.name {
			return fmt.Errorf("duplicate subproject name %q in project %s", child.name, p.id)
		}
	}
	child.parent = p
	p.subprojects = append(p.subprojects, child)
	return nil
}

// AddBuildType attaches bt under p.
func (p *Project) AddBuildType(bt *BuildType) error {
	if p.frozen {
		return ErrFrozen
	}
	if bt.project != nil {
		return fmt.Errorf("build type %s already belongs to %s", bt.id, bt.project.id)
	}
	for _, existing := range p.buildTypes {
		if existing.id == bt.id {
			return fmt.Errorf("duplicate build type id %s in project %s", bt.id, p.id)
		}
		if bt.name != "" && existing.name == bt.name {
			return fmt.Errorf("duplicate build type name %q in project %s", bt.name, p.id)
		}
	}
	bt.project = p
	p.buildTypes = append(p.buildTypes, bt)
	return nil
}

// Freeze makes p and everything below it read-only.
func (p *Project) Freeze() {
	p.Walk(func(sp *Project) bool {
		sp.frozen = true
		return true
	})
}

func (p *Project) Frozen() bool { return p.frozen }

// Walk visits p and its subprojects depth first in declaration order.
// Returning false from fn skips the subtree.
func (p *Project) Walk(fn func(*Project) bool) {
	if !fn(p) {
		return
	}
	for _, sp := range p.subprojects {
		sp.Walk(fn)
	}
}

// AllBuildTypes lists every build configuration in the tree in declaration order.
func (p *Project) AllBuildTypes() []*BuildType {
	var out []*BuildType
	p.Walk(func(sp *Project) bool {
		out = append(out, sp.buildTypes...)
		return true
	})
	return out
}

// FindBuildType looks a build configuration up by id anywhere in the tree.
func (p *Project) FindBuildType(id string) (*BuildType, bool) {
	for _, bt := range p.AllBuildTypes() {
		if bt.id == id {
			return bt, true
		}
	}
	return nil, false
}

// FindProject looks a project up by id anywhere in the tree.
func (p *Project) FindProject(id string) (*Project, bool) {
	var found *Project
	p.Walk(func(sp *Project) bool {
		if found != nil {
			return false
		}
		if sp.id == id {
			found = sp
			return false
		}
		return true
	})
	return found, found != nil
}

// BuildTypeOptions carries the fields of a build configuration.
type BuildTypeOptions struct {
	ID                  string
	Name                string
	Description         string
	AllowExternalStatus bool
	VcsRootID           string
	Steps               []Step
	Requirements        []requirements.Requirement
}

// BuildType is one schedulable unit of work.
type BuildType struct {
	id                  string
	name                string
	description         string
	allowExternalStatus bool
	vcsRootID           string
	steps               []Step
	requirements        []requirements.Requirement
	project             *Project
}

// NewBuildType builds a detached build configuration. It needs at least one step.
func NewBuildType(opts BuildTypeOptions) (*BuildType, error) {
	if opts.ID == "" {
		return nil, errors.New("build type id is required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("build type %s has no steps", opts.ID)
	}
	return &BuildType{
		id:                  opts.ID,
		name:                opts.Name,
		description:         opts.Description,
		allowExternalStatus: opts.AllowExternalStatus,
		vcsRootID:           opts.VcsRootID,
		steps:               append([]Step(nil), opts.Steps...),
		requirements:        append([]requirements.Requirement(nil), opts.Requirements...),
	}, nil
}

func (b *BuildType) ID() string                { return b.id }
func (b *BuildType) Name() string              { return b.name }
func (b *BuildType) Description() string       { return b.description }
func (b *BuildType) AllowExternalStatus() bool { return b.allowExternalStatus }
func (b *BuildType) VcsRootID() string         { return b.vcsRootID }
func (b *BuildType) Project() *Project         { return b.project }

func (b *BuildType) Steps() []Step { return append([]Step(nil), b.steps...) }

func (b *BuildType) Requirements() []requirements.Requirement {
	return append([]requirements.Requirement(nil), b.requirements...)
}

// Params returns the params inherited from the owning project chain.
func (b *BuildType) Params() map[string]string {
	if b.project == nil {
		return map[string]string{}
	}
	return b.project.Params()
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
