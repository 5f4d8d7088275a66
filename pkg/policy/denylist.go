package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/corpusvet/corpusvet/pkg/faults"
)

// Denylist holds hard and soft source blocks. Every pattern must carry a
// link and rationale so the block itself is auditable.
type Denylist struct {
	Patterns []DenyPattern `yaml:"patterns" json:"patterns"`
}

// DenyPattern is one declared block.
type DenyPattern struct {
	Type      string   `yaml:"type" json:"type"` // domain | substring | regex
	Value     string   `yaml:"value" json:"value"`
	Fields    []string `yaml:"fields,omitempty" json:"fields,omitempty"` // url | publisher | id; empty = all
	Severity  Severity `yaml:"severity" json:"severity"`
	Link      string   `yaml:"link" json:"link"`
	Rationale string   `yaml:"rationale" json:"rationale"`

	re *regexp.Regexp
}

// DenyHit records a matched pattern against a specific field value.
type DenyHit struct {
	Type      string   `json:"type"`
	Value     string   `json:"value"`
	Field     string   `json:"field"`
	Matched   string   `json:"matched"`
	Severity  Severity `json:"severity"`
	Link      string   `json:"link"`
	Rationale string   `json:"rationale"`
}

// compile validates invariants and compiles regexes once. Missing link or
// rationale is a load failure, not a warning.
func (d *Denylist) compile() error {
	for i := range d.Patterns {
		p := &d.Patterns[i]
		if p.Value == "" {
			return faults.Config("denylist.load", "pattern_value_missing", fmt.Errorf("pattern %d", i))
		}
		if p.Link == "" || p.Rationale == "" {
			return faults.Config("denylist.load", "pattern_missing_link_or_rationale", fmt.Errorf("pattern %d (%s)", i, p.Value))
		}
		switch p.Severity {
		case SeverityHardRed, SeverityForceYellow:
		default:
			return faults.Config("denylist.load", "pattern_severity_invalid", fmt.Errorf("pattern %d has severity %q", i, p.Severity))
		}
		switch p.Type {
		case "domain", "substring":
		case "regex":
			re, err := regexp.Compile(p.Value)
			if err != nil {
				return faults.Config("denylist.load", "pattern_regex_invalid", fmt.Errorf("pattern %d: %w", i, err))
			}
			p.re = re
		default:
			return faults.Config("denylist.load", "pattern_type_invalid", fmt.Errorf("pattern %d has type %q", i, p.Type))
		}
	}
	return nil
}

// Match applies every pattern to value under the given field name
// (url, publisher, or id).
func (d *Denylist) Match(field, value string) []DenyHit {
	if value == "" {
		return nil
	}
	var hits []DenyHit
	for i := range d.Patterns {
		p := &d.Patterns[i]
		if len(p.Fields) > 0 && !containsFold(p.Fields, field) {
			continue
		}
		matched := false
		switch p.Type {
		case "domain":
			matched = field == "url" && domainMatches(value, p.Value)
		case "substring":
			matched = strings.Contains(strings.ToLower(value), strings.ToLower(p.Value))
		case "regex":
			matched = p.re.MatchString(value)
		}
		if matched {
			hits = append(hits, DenyHit{
				Type: p.Type, Value: p.Value, Field: field, Matched: value,
				Severity: p.Severity, Link: p.Link, Rationale: p.Rationale,
			})
		}
	}
	return hits
}

// domainMatches compares the parsed hostname of rawURL against pattern with
// label-boundary safety: "example.com" matches "example.com" and
// "api.example.com" but never "notexample.com".
func domainMatches(rawURL, pattern string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	host = strings.ToLower(host)
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	// bare host given without scheme
	if i := strings.IndexAny(raw, "/:"); i >= 0 {
		return raw[:i]
	}
	return raw
}
