// Package params expands %name% references the way the CI server does before
// handing a command to the agent shell.
package params

import "strings"

// Built-in parameter names set for every build.
const (
	BuildNumber = "build.number"
	BuildID     = "build.id"
	CheckoutDir = "teamcity.build.checkoutDir"
	BuildTypeID = "system.teamcity.buildType.id"
	ProjectName = "system.teamcity.projectName"
)

// Resolve replaces %name% with the value from values. Unknown references are
// kept verbatim and %% yields a literal percent sign.
func Resolve(text string, values map[string]string) string {
	if !strings.Contains(text, "%") {
		return text
	}
	var b strings.Builder
	for i := 0; i < len(text); {
		if text[i] != '%' {
			b.WriteByte(text[i])
			i++
			continue
		}
		end := strings.IndexByte(text[i+1:], '%')
		if end < 0 {
			b.WriteString(text[i:])
			break
		}
		name := text[i+1 : i+1+end]
		switch {
		case name == "":
			b.WriteByte('%')
		case validName(name):
			if v, ok := values[name]; ok {
				b.WriteString(v)
			} else {
				b.WriteString(text[i : i+end+2])
			}
		default:
			// not a reference; emit the percent and rescan from the next byte
			b.WriteByte('%')
			i++
			continue
		}
		i += end + 2
	}
	return b.String()
}

// References lists the parameter names referenced in text, in order of appearance.
func References(text string) []string {
	var out []string
	seen := map[string]bool{}
	rest := text
	for {
		start := strings.IndexByte(rest, '%')
		if start < 0 {
			return out
		}
		end := strings.IndexByte(rest[start+1:], '%')
		if end < 0 {
			return out
		}
		name := rest[start+1 : start+1+end]
		if name != "" && validName(name) {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
			rest = rest[start+end+2:]
			continue
		}
		if name == "" {
			rest = rest[start+2:]
			continue
		}
		rest = rest[start+1:]
	}
}

func validName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Merge returns a new map with later maps overriding earlier ones.
func Merge(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
