package requirements

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Op is a comparison applied to one agent parameter.
type Op string

const (
	OpEquals         Op = "equals"
	OpDoesNotEqual   Op = "does-not-equal"
	OpStartsWith     Op = "starts-with"
	OpEndsWith       Op = "ends-with"
	OpContains       Op = "contains"
	OpDoesNotContain Op = "does-not-contain"
	OpExists         Op = "exists"
	OpDoesNotExist   Op = "does-not-exist"
	OpMoreThan       Op = "more-than"
	OpLessThan       Op = "less-than"
	OpMatches        Op = "matches"
)

var knownOps = []Op{
	OpEquals, OpDoesNotEqual, OpStartsWith, OpEndsWith, OpContains, OpDoesNotContain,
	OpExists, OpDoesNotExist, OpMoreThan, OpLessThan, OpMatches,
}

// ParseOp accepts the dashed form ("starts-with") as well as the camel case
// form used by Kotlin settings ("startsWith").
func ParseOp(s string) (Op, error) {
	key := normalize(s)
	for _, op := range knownOps {
		if normalize(string(op)) == key {
			return op, nil
		}
	}
	return "", fmt.Errorf("invalid requirement op %q", s)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "_", "")
}

func (o Op) numeric() bool { return o == OpMoreThan || o == OpLessThan }

func (o Op) needsValue() bool { return o != OpExists && o != OpDoesNotExist }

// Metadata is the parameter set an agent reports.
type Metadata map[string]string

// Requirement constrains which agents may run a build configuration.
type Requirement struct {
	Name  string `json:"name" yaml:"name"`
	Op    Op     `json:"op" yaml:"op"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

func (r Requirement) String() string {
	if !r.Op.needsValue() {
		return fmt.Sprintf("%s %s", r.Name, r.Op)
	}
	return fmt.Sprintf("%s %s %q", r.Name, r.Op, r.Value)
}

// Validate checks the requirement is well formed without looking at any agent.
func (r Requirement) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("requirement name is required")
	}
	op, err := ParseOp(string(r.Op))
	if err != nil {
		return err
	}
	switch {
	case op.numeric():
		if _, err := strconv.ParseFloat(strings.TrimSpace(r.Value), 64); err != nil {
			return fmt.Errorf("requirement %s: value %q is not numeric", r.Name, r.Value)
		}
	case op == OpMatches:
		if _, err := regexp.Compile(r.Value); err != nil {
			return fmt.Errorf("requirement %s: invalid pattern: %w", r.Name, err)
		}
	}
	return nil
}

// Check evaluates the requirement against agent metadata. When it is not met
// the second return value says why.
func (r Requirement) Check(meta Metadata) (bool, string) {
	actual, present := meta[r.Name]
	switch r.Op {
	case OpExists:
		if present {
			return true, ""
		}
		return false, "parameter not defined"
	case OpDoesNotExist:
		if !present {
			return true, ""
		}
		return false, "parameter is defined"
	}
	if !present {
		if r.Op == OpDoesNotEqual || r.Op == OpDoesNotContain {
			return true, ""
		}
		return false, "parameter not defined"
	}
	var ok bool
	switch r.Op {
	case OpEquals:
		ok = actual == r.Value
	case OpDoesNotEqual:
		ok = actual != r.Value
	case OpStartsWith:
		ok = strings.HasPrefix(actual, r.Value)
	case OpEndsWith:
		ok = strings.HasSuffix(actual, r.Value)
	case OpContains:
		ok = strings.Contains(actual, r.Value)
	case OpDoesNotContain:
		ok = !strings.Contains(actual, r.Value)
	case OpMoreThan, OpLessThan:
		got, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, fmt.Sprintf("value %q is not numeric", actual)
		}
		want, err := strconv.ParseFloat(strings.TrimSpace(r.Value), 64)
		if err != nil {
			return false, fmt.Sprintf("requirement value %q is not numeric", r.Value)
		}
		if r.Op == OpMoreThan {
			ok = got > want
		} else {
			ok = got < want
		}
	case OpMatches:
		re, err := regexp.Compile(r.Value)
		if err != nil {
			return false, fmt.Sprintf("invalid pattern: %v", err)
		}
		ok = re.MatchString(actual)
	default:
		return false, fmt.Sprintf("unknown op %q", r.Op)
	}
	if ok {
		return true, ""
	}
	return false, fmt.Sprintf("actual value %q", actual)
}

// Unmet is a requirement an agent failed, with the reason.
type Unmet struct {
	Requirement Requirement `json:"requirement"`
	Reason      string      `json:"reason"`
}

// Result is the outcome of evaluating a requirement list.
type Result struct {
	Satisfied bool    `json:"satisfied"`
	Unmet     []Unmet `json:"unmet,omitempty"`
}

// Evaluate ANDs every requirement. An empty list is always satisfied.
func Evaluate(reqs []Requirement, meta Metadata) Result {
	res := Result{Satisfied: true}
	for _, r := range reqs {
		if ok, reason := r.Check(meta); !ok {
			res.Satisfied = false
			res.Unmet = append(res.Unmet, Unmet{Requirement: r, Reason: reason})
		}
	}
	return res
}
