package settings

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"buildline/internal/model"
	"buildline/internal/requirements"
)

// Settings models buildline.yml (or buildline.hcl).
type Settings struct {
	Version string  `yaml:"version"`
	Project Project `yaml:"project"`
}

type Project struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Params      map[string]string `yaml:"params,omitempty"`
	VcsRoots    []VcsRoot         `yaml:"vcs_roots,omitempty"`
	Subprojects []Project         `yaml:"subprojects,omitempty"`
	BuildTypes  []BuildType       `yaml:"build_types,omitempty"`
}

// VcsRoot declares a repository locally. Build types may also reference
// roots defined outside the settings file.
type VcsRoot struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Branch string `yaml:"branch,omitempty"`
}

type BuildType struct {
	ID                  string `yaml:"id"`
	Name                string `yaml:"name"`
	Description         string `yaml:"description,omitempty"`
	AllowExternalStatus bool   `yaml:"allow_external_status,omitempty"`
	Vcs                 struct {
		Root string `yaml:"root,omitempty"`
	} `yaml:"vcs,omitempty"`
	Steps        []Step                     `yaml:"steps"`
	Requirements []requirements.Requirement `yaml:"requirements,omitempty"`
}

type Step struct {
	Name       string `yaml:"name"`
	WorkingDir string `yaml:"working_dir,omitempty"`
	Script     string `yaml:"script"`
}

const (
	yamlFile = "buildline.yml"
	hclFile  = "buildline.hcl"
)

// Path returns the settings path for a workspace, preferring an existing
// HCL file over the YAML default.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	hclPath := filepath.Join(workspace, hclFile)
	if _, err := os.Stat(hclPath); err == nil {
		return hclPath
	}
	return filepath.Join(workspace, yamlFile)
}

// Load reads and validates settings from the workspace.
func Load(workspace string) (*Settings, error) {
	path := Path(workspace)
	s, err := FromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("settings %s not found; create one with bl settings init", path)
		}
		return nil, err
	}
	return s, nil
}

// LoadOptional falls back to the built-in declaration when the workspace has
// no settings file.
func LoadOptional(workspace string) (*Settings, error) {
	s, err := FromFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return s, nil
}

// FromFile reads settings from path; the format follows the extension.
func FromFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return FromHCL(data, path)
	}
	return FromYAML(data)
}

// FromYAML parses and validates settings from raw YAML bytes.
func FromYAML(data []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("invalid settings yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// YAML renders the settings back to YAML.
func (s *Settings) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Compile builds the frozen project tree. Settings must already be valid.
func (s *Settings) Compile() (*model.Project, error) {
	root, err := compileProject(s.Project)
	if err != nil {
		return nil, err
	}
	root.Freeze()
	return root, nil
}

func compileProject(p Project) (*model.Project, error) {
	mp := model.NewProject(p.ID, p.Name, p.Description, p.Params)
	for _, bt := range p.BuildTypes {
		steps := make([]model.Step, 0, len(bt.Steps))
		for _, st := range bt.Steps {
			dir := st.WorkingDir
			if dir == "" {
				dir = "."
			}
			steps = append(steps, model.Step{Name: st.Name, WorkingDir: dir, Script: st.Script})
		}
		reqs := make([]requirements.Requirement, 0, len(bt.Requirements))
		for _, r := range bt.Requirements {
			op, err := requirements.ParseOp(string(r.Op))
			if err != nil {
				return nil, fmt.Errorf("build type %s: %w", bt.ID, err)
			}
			reqs = append(reqs, requirements.Requirement{Name: r.Name, Op: op, Value: r.Value})
		}
		mbt, err := model.NewBuildType(model.BuildTypeOptions{
			ID:                  bt.ID,
			Name:                bt.Name,
			Description:         bt.Description,
			AllowExternalStatus: bt.AllowExternalStatus,
			VcsRootID:           bt.Vcs.Root,
			Steps:               steps,
			Requirements:        reqs,
		})
		if err != nil {
			return nil, err
		}
		if err := mp.AddBuildType(mbt); err != nil {
			return nil, err
		}
	}
	for _, sp := range p.Subprojects {
		child, err := compileProject(sp)
		if err != nil {
			return nil, err
		}
		if err := mp.AddSubproject(child); err != nil {
			return nil, err
		}
	}
	return mp, nil
}

// FindVcsRoot looks a declared VCS root up by id anywhere in the settings.
func (s *Settings) FindVcsRoot(id string) (VcsRoot, bool) {
	var walk func(p Project) (VcsRoot, bool)
	walk = func(p Project) (VcsRoot, bool) {
		for _, r := range p.VcsRoots {
			if r.ID == id {
				return r, true
			}
		}
		for _, sp := range p.Subprojects {
			if r, ok := walk(sp); ok {
				return r, true
			}
		}
		return VcsRoot{}, false
	}
	return walk(s.Project)
}
