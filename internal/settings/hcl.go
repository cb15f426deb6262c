package settings

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"buildline/internal/requirements"
)

// hclSettingsFile is the top-level structure of buildline.hcl.
type hclSettingsFile struct {
	Version string      `hcl:"version,optional"`
	Project *hclProject `hcl:"project,block"`
}

type hclProject struct {
	ID          string            `hcl:"id,label"`
	Name        string            `hcl:"name,optional"`
	Description string            `hcl:"description,optional"`
	Params      map[string]string `hcl:"params,optional"`
	VcsRoots    []*hclVcsRoot     `hcl:"vcs_root,block"`
	Subprojects []*hclProject     `hcl:"subproject,block"`
	BuildTypes  []*hclBuildType   `hcl:"build_type,block"`
}

type hclVcsRoot struct {
	ID     string `hcl:"id,label"`
	URL    string `hcl:"url"`
	Branch string `hcl:"branch,optional"`
}

type hclBuildType struct {
	ID                  string            `hcl:"id,label"`
	Name                string            `hcl:"name,optional"`
	Description         string            `hcl:"description,optional"`
	AllowExternalStatus bool              `hcl:"allow_external_status,optional"`
	VcsRoot             string            `hcl:"vcs_root,optional"`
	Steps               []*hclStep        `hcl:"step,block"`
	Requirements        []*hclRequirement `hcl:"requirement,block"`
}

type hclStep struct {
	Name       string `hcl:"name,label"`
	WorkingDir string `hcl:"working_dir,optional"`
	Script     string `hcl:"script"`
}

type hclRequirement struct {
	Name  string `hcl:"name,label"`
	Op    string `hcl:"op"`
	Value string `hcl:"value,optional"`
}

// FromHCL parses and validates settings from HCL source. filename is only
// used in diagnostics.
func FromHCL(data []byte, filename string) (*Settings, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid settings hcl %s: %w", filename, diags)
	}
	var parsed hclSettingsFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("invalid settings hcl %s: %w", filename, diags)
	}
	if parsed.Project == nil {
		return nil, fmt.Errorf("settings hcl %s: project block is required", filename)
	}
	s := &Settings{
		Version: parsed.Version,
		Project: fromHCLProject(parsed.Project),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func fromHCLProject(hp *hclProject) Project {
	p := Project{
		ID:          hp.ID,
		Name:        hp.Name,
		Description: hp.Description,
		Params:      hp.Params,
	}
	for _, r := range hp.VcsRoots {
		p.VcsRoots = append(p.VcsRoots, VcsRoot{ID: r.ID, URL: r.URL, Branch: r.Branch})
	}
	for _, hbt := range hp.BuildTypes {
		bt := BuildType{
			ID:                  hbt.ID,
			Name:                hbt.Name,
			Description:         hbt.Description,
			AllowExternalStatus: hbt.AllowExternalStatus,
		}
		bt.Vcs.Root = hbt.VcsRoot
		for _, st := range hbt.Steps {
			bt.Steps = append(bt.Steps, Step{Name: st.Name, WorkingDir: st.WorkingDir, Script: st.Script})
		}
		for _, r := range hbt.Requirements {
			bt.Requirements = append(bt.Requirements, requirements.Requirement{
				Name:  r.Name,
				Op:    requirements.Op(r.Op),
				Value: r.Value,
			})
		}
		p.BuildTypes = append(p.BuildTypes, bt)
	}
	for _, sp := range hp.Subprojects {
		p.Subprojects = append(p.Subprojects, fromHCLProject(sp))
	}
	return p
}
