// internal/workflow/spec.go
package workflow

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// UnknownPageID is the page id reported when nothing matched.
const UnknownPageID = "unknown"

// IdentifierKind selects what an identifier's pattern is matched against.
type IdentifierKind string

const (
	IdentifyByURL   IdentifierKind = "url"
	IdentifyByTitle IdentifierKind = "title"
)

// Default confidences applied when an identifier omits one.
const (
	DefaultURLConfidence   = 0.8
	DefaultTitleConfidence = 0.6
)

// Spec is a complete workflow: an ordered list of pages. The declaration
// order of Pages is the page sequence the orchestrator walks.
type Spec struct {
	Name     string     `yaml:"name"`
	StartURL string     `yaml:"start_url"`
	Pages    []PageSpec `yaml:"pages"`
}

// PageSpec declares how to recognize one page, what to do on it, and which
// pages may follow.
type PageSpec struct {
	ID                  string       `yaml:"id"`
	Name                string       `yaml:"name"`
	PrimaryIdentifier   Identifier   `yaml:"primary_identifier"`
	FallbackIdentifiers []Identifier `yaml:"fallback_identifiers"`
	Actions             ActionList   `yaml:"actions"`
	NextPages           []string     `yaml:"next_pages"`
}

// Identifier is one pattern used to recognize a page.
type Identifier struct {
	Kind       IdentifierKind `yaml:"type"`
	Pattern    string         `yaml:"pattern"`
	Confidence float64        `yaml:"confidence"`
}

// UnmarshalYAML applies the per-kind default confidence when none is given.
func (id *Identifier) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Kind       IdentifierKind `yaml:"type"`
		Pattern    string         `yaml:"pattern"`
		Confidence *float64       `yaml:"confidence"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := checkFields(node, &raw, "identifier"); err != nil {
		return err
	}
	if raw.Kind == "" {
		raw.Kind = IdentifyByURL
	}
	id.Kind = raw.Kind
	id.Pattern = raw.Pattern
	switch {
	case raw.Confidence != nil:
		id.Confidence = *raw.Confidence
	case raw.Kind == IdentifyByTitle:
		id.Confidence = DefaultTitleConfidence
	default:
		id.Confidence = DefaultURLConfidence
	}
	return nil
}

// Identifiers returns the primary identifier followed by the fallbacks.
func (p *PageSpec) Identifiers() []Identifier {
	out := make([]Identifier, 0, 1+len(p.FallbackIdentifiers))
	if p.PrimaryIdentifier.Pattern != "" {
		out = append(out, p.PrimaryIdentifier)
	}
	return append(out, p.FallbackIdentifiers...)
}

// DisplayName returns Name, or the id when no name is set.
func (p *PageSpec) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Sequence returns the page ids in declaration order.
func (s *Spec) Sequence() []string {
	ids := make([]string, len(s.Pages))
	for i := range s.Pages {
		ids[i] = s.Pages[i].ID
	}
	return ids
}

// Page looks up a page by id.
func (s *Spec) Page(id string) (PageSpec, bool) {
	for i := range s.Pages {
		if s.Pages[i].ID == id {
			return s.Pages[i], true
		}
	}
	return PageSpec{}, false
}

// Duration is a time.Duration that decodes from either a number of seconds
// (2, 0.5) or a Go duration string ("1500ms").
type Duration time.Duration

// Std converts d to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Seconds builds a Duration from fractional seconds.
func Seconds(s float64) Duration { return Duration(s * float64(time.Second)) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Seconds(secs)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
