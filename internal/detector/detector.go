// internal/detector/detector.go
package detector

import (
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

// Method records which layer of identification produced a candidate.
type Method string

const (
	MethodURL        Method = "url"
	MethodTitle      Method = "title"
	MethodExpected   Method = "expected"
	MethodExhaustive Method = "exhaustive"
	MethodNone       Method = "none"
	MethodFallback   Method = "fallback"
)

// Candidate is the outcome of one identification.
type Candidate struct {
	PageID     string  `json:"page_id"`
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`
	Details    string  `json:"details,omitempty"`
}

// Known reports whether the candidate names a declared page.
func (c Candidate) Known() bool {
	return c.PageID != "" && c.PageID != workflow.UnknownPageID
}

// Unknown is the no-match candidate.
func Unknown(m Method) Candidate {
	return Candidate{PageID: workflow.UnknownPageID, Confidence: 0, Method: m}
}

type pattern struct {
	pageID     string
	kind       workflow.IdentifierKind
	re         *regexp.Regexp
	confidence float64
}

func (p pattern) candidate(m Method) Candidate {
	return Candidate{
		PageID:     p.pageID,
		Confidence: p.confidence,
		Method:     m,
		Details:    fmt.Sprintf("%s pattern %q", p.kind, p.re.String()),
	}
}

// Detector classifies the live page against a workflow. Its pattern tables
// are built once and never mutated, so it is safe for concurrent use.
//
// When several patterns match, the highest confidence wins and ties go to
// the page declared first.
type Detector struct {
	cfg    config.DetectorConfig
	logger *zap.Logger

	urls   []pattern // primary URL identifiers
	titles []pattern // fallback title identifiers
	byPage map[string][]pattern
	order  []string
}

// New compiles every identifier of spec.
func New(spec *workflow.Spec, cfg config.DetectorConfig, logger *zap.Logger) (*Detector, error) {
	d := &Detector{
		cfg:    cfg,
		logger: logger.Named("detector"),
		byPage: make(map[string][]pattern, len(spec.Pages)),
	}
	for _, page := range spec.Pages {
		d.order = append(d.order, page.ID)
		for i, id := range page.Identifiers() {
			re, err := regexp.Compile(id.Pattern)
			if err != nil {
				return nil, fmt.Errorf("page %s: compiling %s pattern %q: %w", page.ID, id.Kind, id.Pattern, err)
			}
			p := pattern{pageID: page.ID, kind: id.Kind, re: re, confidence: id.Confidence}
			primary := i == 0 && page.PrimaryIdentifier.Pattern != ""
			switch id.Kind {
			case workflow.IdentifyByURL:
				if primary {
					d.urls = append(d.urls, p)
				}
			case workflow.IdentifyByTitle:
				if !primary {
					d.titles = append(d.titles, p)
				}
			default:
				return nil, fmt.Errorf("page %s: unknown identifier type %q", page.ID, id.Kind)
			}
			d.byPage[page.ID] = append(d.byPage[page.ID], p)
		}
	}
	return d, nil
}

// Identify runs the quick pass over primary URL identifiers and fallback
// title identifiers: a strong URL match wins outright, otherwise a title
// match may beat a weaker URL match. Every other identifier is left to
// IdentifyWithFallback.
func (d *Detector) Identify(url, title string) Candidate {
	best := bestMatch(d.urls, url, MethodURL)
	if best.Known() && best.Confidence >= d.cfg.HighConfidence {
		return best
	}
	if title != "" {
		if t := bestMatch(d.titles, title, MethodTitle); t.Known() && t.Confidence > best.Confidence {
			return t
		}
	}
	if best.Known() {
		return best
	}
	return Unknown(MethodNone)
}

// IdentifyWithFallback widens Identify. It first re-tests the expected page
// alone, then scores every page. The result is never weaker than Identify's
// for the same input.
func (d *Detector) IdentifyWithFallback(url, title, expectedPageID string) Candidate {
	quick := d.Identify(url, title)
	widened := Unknown(MethodFallback)

	if expectedPageID != "" {
		if c := d.scorePage(expectedPageID, url, title); c.Known() && c.Confidence >= d.cfg.ExpectedThreshold {
			c.Method = MethodExpected
			widened = c
		}
	}
	if !widened.Known() {
		if ranked := d.Rank(url, title); len(ranked) > 0 && ranked[0].Confidence >= d.cfg.ExhaustiveThreshold {
			widened = ranked[0]
			widened.Method = MethodExhaustive
		}
	}

	if quick.Known() && (!widened.Known() || quick.Confidence > widened.Confidence) {
		d.logger.Debug("Quick identification outranks fallback.",
			zap.String("page_id", quick.PageID), zap.Float64("confidence", quick.Confidence),
			zap.String("fallback_page_id", widened.PageID))
		return quick
	}
	return widened
}

// Rank scores every page against url and title and returns the matching
// pages sorted by descending confidence, ties in declaration order.
func (d *Detector) Rank(url, title string) []Candidate {
	var out []Candidate
	for _, id := range d.order {
		if c := d.scorePage(id, url, title); c.Known() {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// scorePage returns the strongest matching identifier of one page.
func (d *Detector) scorePage(pageID, url, title string) Candidate {
	best := Unknown(MethodNone)
	for _, p := range d.byPage[pageID] {
		subject, m := url, MethodURL
		if p.kind == workflow.IdentifyByTitle {
			subject, m = title, MethodTitle
		}
		if subject == "" && p.kind == workflow.IdentifyByTitle {
			continue
		}
		if p.re.MatchString(subject) && (!best.Known() || p.confidence > best.Confidence) {
			best = p.candidate(m)
		}
	}
	return best
}

// bestMatch returns the highest-confidence pattern matching subject. Earlier
// patterns win ties.
func bestMatch(table []pattern, subject string, m Method) Candidate {
	best := Unknown(MethodNone)
	for _, p := range table {
		if !p.re.MatchString(subject) {
			continue
		}
		if !best.Known() || p.confidence > best.Confidence {
			best = p.candidate(m)
		}
	}
	return best
}
