package settings_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"buildline/internal/requirements"
	"buildline/internal/settings"
)

const dockerCommand = "make IMG=quay.io/betsson-oss/dex-operator docker-build docker-push"

func TestDefaultCompilesToSingleBuild(t *testing.T) {
	require.NotPanics(t, func() { settings.Default() })
	s := settings.Default()
	require.NoError(t, s.Validate())
	root, err := s.Compile()
	require.NoError(t, err)
	require.True(t, root.Frozen())

	subs := root.Subprojects()
	require.Len(t, subs, 1)
	require.Equal(t, "DexOperator", subs[0].ID())
	require.Equal(t, "Dex Operator Docker Build", subs[0].Name())

	all := root.AllBuildTypes()
	require.Len(t, all, 1)
	bt := all[0]
	require.Equal(t, "BuildDocker", bt.ID())
	require.Equal(t, "Build Docker Images", bt.Name())
	require.True(t, bt.AllowExternalStatus())
	require.Equal(t, "GenericGitSsh", bt.VcsRootID())

	steps := bt.Steps()
	require.Len(t, steps, 1)
	require.Equal(t, "Docker Build and Push", steps[0].Name)
	require.Equal(t, ".", steps[0].WorkingDir)
	require.Equal(t, dockerCommand, steps[0].Script)

	require.Equal(t, []requirements.Requirement{
		{Name: "cloud.amazon.agent-name-prefix", Op: requirements.OpStartsWith, Value: "Ubuntu-20.04"},
		{Name: "teamcity.agent.hardware.memorySizeMb", Op: requirements.OpMoreThan, Value: "16000"},
	}, bt.Requirements())

	require.Equal(t, "ssh://git@edgecharlie.corpsson.com:7999/iac/dex-operator.git", bt.Params()["VCSRepositoryURL"])
}

func TestYAMLRoundTripKeepsDeclaration(t *testing.T) {
	out, err := settings.Default().YAML()
	require.NoError(t, err)
	again, err := settings.FromYAML(out)
	require.NoError(t, err)
	require.Equal(t, settings.Default(), again)
}

func TestValidateRejectsBadDeclarations(t *testing.T) {
	cases := map[string]string{
		"missing root id": `project: {name: x}`,
		"no steps": `
project:
  id: _Root
  build_types:
    - id: A
      name: A
`,
		"duplicate child names": `
project:
  id: _Root
  subprojects:
    - id: A
      name: Same
    - id: B
      name: Same
`,
		"duplicate build type ids": `
project:
  id: _Root
  build_types:
    - id: A
      steps: [{script: "true"}]
  subprojects:
    - id: Sub
      build_types:
        - id: A
          steps: [{script: "true"}]
`,
		"unknown op": `
project:
  id: _Root
  build_types:
    - id: A
      steps: [{script: "true"}]
      requirements:
        - {name: os, op: roughly, value: linux}
`,
		"non numeric more-than": `
project:
  id: _Root
  build_types:
    - id: A
      steps: [{script: "true"}]
      requirements:
        - {name: mem, op: moreThan, value: plenty}
`,
		"unknown field": `
project:
  id: _Root
  colour: blue
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := settings.FromYAML([]byte(src))
			require.Error(t, err)
			if name != "unknown field" {
				var verr *settings.ValidationError
				require.ErrorAs(t, err, &verr)
			}
		})
	}
}

func TestFromHCLMatchesYAML(t *testing.T) {
	src := `
version = "2019.2"

project "_Root" {
  name = "<Root project>"
  params = {
    VCSRepositoryURL = "ssh://git@edgecharlie.corpsson.com:7999/iac/dex-operator.git"
  }

  subproject "DexOperator" {
    name = "Dex Operator Docker Build"

    build_type "BuildDocker" {
      name                  = "Build Docker Images"
      allow_external_status = true
      vcs_root              = "GenericGitSsh"

      step "Docker Build and Push" {
        working_dir = "."
        script      = "make IMG=quay.io/betsson-oss/dex-operator docker-build docker-push"
      }

      requirement "cloud.amazon.agent-name-prefix" {
        op    = "startsWith"
        value = "Ubuntu-20.04"
      }

      requirement "teamcity.agent.hardware.memorySizeMb" {
        op    = "moreThan"
        value = "16000"
      }
    }
  }
}
`
	s, err := settings.FromHCL([]byte(src), "buildline.hcl")
	require.NoError(t, err)
	root, err := s.Compile()
	require.NoError(t, err)

	want, err := settings.Default().Compile()
	require.NoError(t, err)

	got, ok := root.FindBuildType("BuildDocker")
	require.True(t, ok)
	exp, _ := want.FindBuildType("BuildDocker")
	require.Equal(t, exp.Steps(), got.Steps())
	require.Equal(t, exp.Requirements(), got.Requirements())
	require.Equal(t, exp.Params(), got.Params())
}

func TestFromHCLReportsDiagnostics(t *testing.T) {
	_, err := settings.FromHCL([]byte(`project "x" { name = }`), "broken.hcl")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "broken.hcl"))
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	s, err := settings.LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, settings.Default(), s)

	_, err = settings.Load(dir)
	require.Error(t, err)

	custom := `
project:
  id: _Root
  build_types:
    - id: Hello
      name: Hello
      steps:
        - name: say hello
          script: echo hello
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "buildline.yml"), []byte(custom), 0o644))
	s, err = settings.Load(dir)
	require.NoError(t, err)
	root, err := s.Compile()
	require.NoError(t, err)
	bt, ok := root.FindBuildType("Hello")
	require.True(t, ok)
	require.Equal(t, ".", bt.Steps()[0].WorkingDir)
}

func TestFindVcsRoot(t *testing.T) {
	s, err := settings.FromYAML([]byte(`
project:
  id: _Root
  vcs_roots:
    - {id: Main, url: "https://example.com/repo.git", branch: main}
  build_types:
    - id: A
      vcs: {root: Main}
      steps: [{script: "true"}]
`))
	require.NoError(t, err)
	root, ok := s.FindVcsRoot("Main")
	require.True(t, ok)
	require.Equal(t, "https://example.com/repo.git", root.URL)
	_, ok = s.FindVcsRoot("GenericGitSsh")
	require.False(t, ok)
}
