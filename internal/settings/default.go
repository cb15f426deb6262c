package settings

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Default returns the built-in dex-operator pipeline declaration.
func Default() *Settings {
	var s Settings
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&s); err != nil {
		panic("settings: built-in declaration: " + err.Error())
	}
	return &s
}

// GenerateDefault returns the built-in declaration as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `version: "2019.2"

project:
  id: _Root
  name: <Root project>
  params:
    VCSRepositoryURL: ssh://git@edgecharlie.corpsson.com:7999/iac/dex-operator.git
  subprojects:
    - id: DexOperator
      name: Dex Operator Docker Build
      build_types:
        - id: BuildDocker
          name: Build Docker Images
          allow_external_status: true
          vcs:
            root: GenericGitSsh
          steps:
            - name: Docker Build and Push
              working_dir: .
              script: make IMG=quay.io/betsson-oss/dex-operator docker-build docker-push
          requirements:
            - name: cloud.amazon.agent-name-prefix
              op: starts-with
              value: Ubuntu-20.04
            - name: teamcity.agent.hardware.memorySizeMb
              op: more-than
              value: "16000"
`
