// Package policy holds the business rules that are configuration rather
// than structure: which event names are social or seasonal, which must
// never be merged and what a restricted-access variant looks like.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// File is the YAML shape of a policy file.
type File struct {
	Social            []RuleFile `yaml:"social"`
	NeverMerge        []string   `yaml:"never_merge"`
	RestrictedVariant string     `yaml:"restricted_variant"`
}

// RuleFile is one social classification rule.
type RuleFile struct {
	Name  string   `yaml:"name"`
	Any   []string `yaml:"any"`
	AllOf []string `yaml:"all_of"`
}

type rule struct {
	name  string
	any   []*regexp.Regexp
	allOf []*regexp.Regexp
}

func (r rule) match(name string) bool {
	for _, re := range r.any {
		if re.MatchString(name) {
			return true
		}
	}
	if len(r.allOf) == 0 {
		return false
	}
	for _, re := range r.allOf {
		if !re.MatchString(name) {
			return false
		}
	}
	return true
}

// Policy is a compiled policy file.  It is safe for concurrent use.
type Policy struct {
	social     []rule
	neverMerge []*regexp.Regexp
	restricted *regexp.Regexp
}

// Default returns the embedded policy.
func Default() *Policy {
	p, err := Parse(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("policy: embedded default is invalid: %v", err))
	}
	return p
}

// Load reads a policy file.  An empty path yields the embedded default.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return Compile(f)
}

// Compile turns a decoded policy file into a Policy.
func Compile(f File) (*Policy, error) {
	p := &Policy{}
	for i, rf := range f.Social {
		r := rule{name: rf.Name}
		for _, expr := range rf.Any {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("social rule %d (%s): %w", i, rf.Name, err)
			}
			r.any = append(r.any, re)
		}
		for _, expr := range rf.AllOf {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("social rule %d (%s): %w", i, rf.Name, err)
			}
			r.allOf = append(r.allOf, re)
		}
		p.social = append(p.social, r)
	}
	for _, expr := range f.NeverMerge {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("never_merge %q: %w", expr, err)
		}
		p.neverMerge = append(p.neverMerge, re)
	}
	if f.RestrictedVariant != "" {
		re, err := regexp.Compile(f.RestrictedVariant)
		if err != nil {
			return nil, fmt.Errorf("restricted_variant: %w", err)
		}
		p.restricted = re
	}
	return p, nil
}

// IsSocial reports whether an event name is social or seasonal and so
// does not count toward membership.
func (p *Policy) IsSocial(name string) bool {
	for _, r := range p.social {
		if r.match(name) {
			return true
		}
	}
	return false
}

// IsNeverMerge reports whether an event name is on the exclusion list.
func (p *Policy) IsNeverMerge(name string) bool {
	for _, re := range p.neverMerge {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// IsRestrictedVariant reports whether an event name denotes the
// restricted-access variant of an event.
func (p *Policy) IsRestrictedVariant(name string) bool {
	return p.restricted != nil && p.restricted.MatchString(name)
}

// StripRestricted removes the restricted-variant marker from a name.
func (p *Policy) StripRestricted(name string) string {
	if p.restricted == nil {
		return name
	}
	return p.restricted.ReplaceAllString(name, " ")
}
