// Package classifier maps free-form worker output lines to structured stage
// events.
//
// Classification is heuristic: each line is matched against an ordered rule
// table of keyword terms and the first matching rule decides the stage and
// status. Lines no rule matches yield no event; they are never errors.
package classifier

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
)

// MinLineLength is the shortest line, in runes after cleaning, that is classified.
const MinLineLength = 2

// Rule is one entry of the ordered rule table.
type Rule struct {
	// Name identifies the rule in logs and tests.
	Name string `yaml:"name"`
	// Stage is the stage the event is attributed to. Empty means the
	// caller's current stage.
	Stage domain.StageID `yaml:"stage,omitempty"`
	// Status is the resulting stage status.
	Status domain.StageStatus `yaml:"status"`
	// All terms must be present (case-insensitive).
	All []string `yaml:"all,omitempty"`
	// Any requires at least one term when non-empty.
	Any []string `yaml:"any,omitempty"`
	// Advance hints that the worker moves on to the following stage.
	Advance bool `yaml:"advance,omitempty"`
	// DetailsFrom splits the text after the first ':' on ',' into details.
	DetailsFrom bool `yaml:"details_from,omitempty"`
}

// ClassifiedEvent is the result of matching one line.
type ClassifiedEvent struct {
	Rule    string
	Stage   domain.StageID
	Status  domain.StageStatus
	Message string
	Details []string
	Advance bool
}

// Table is a validated, normalized rule table. The zero value matches nothing.
type Table struct {
	rules []Rule
}

// NewTable validates rules and lowercases their terms.
func NewTable(rules []Rule) (Table, error) {
	normalized := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if !r.Status.IsValid() {
			return Table{}, fmt.Errorf("rule %q: invalid status %q", r.Name, r.Status)
		}
		if r.Stage != "" && !r.Stage.IsValid() {
			return Table{}, fmt.Errorf("rule %q: unknown stage %q", r.Name, r.Stage)
		}
		if r.Stage == domain.StagePersistence || r.Stage == domain.StageDone {
			return Table{}, fmt.Errorf("rule %q: stage %q is reserved for the coordinator", r.Name, r.Stage)
		}
		if len(r.All) == 0 && len(r.Any) == 0 {
			return Table{}, fmt.Errorf("rule %q: needs at least one term", r.Name)
		}
		r.All = lowerTerms(r.All)
		r.Any = lowerTerms(r.Any)
		normalized = append(normalized, r)
	}
	return Table{rules: normalized}, nil
}

// MustTable is NewTable that panics, for static tables.
func MustTable(rules []Rule) Table {
	t, err := NewTable(rules)
	if err != nil {
		panic(err)
	}
	return t
}

// Len returns the number of rules.
func (t Table) Len() int { return len(t.rules) }

// Rules returns a copy of the normalized rules.
func (t Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

var timestampPrefix = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\]\s*`)

// Clean trims whitespace and a leading [HH:MM:SS] timestamp.
func Clean(line string) string {
	line = strings.TrimSpace(line)
	line = timestampPrefix.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}

// Classify matches line against the table. currentStage fills rules without
// a fixed stage.
func Classify(t Table, line string, currentStage domain.StageID) (ClassifiedEvent, bool) {
	text := Clean(line)
	if utf8.RuneCountInString(text) < MinLineLength {
		return ClassifiedEvent{}, false
	}
	// Structured payload lines are not progress text.
	if strings.HasPrefix(text, "{") {
		return ClassifiedEvent{}, false
	}

	lower := strings.ToLower(text)
	for _, r := range t.rules {
		if !matches(r, lower) {
			continue
		}
		stage := r.Stage
		if stage == "" {
			stage = currentStage
		}
		ev := ClassifiedEvent{
			Rule:    r.Name,
			Stage:   stage,
			Status:  r.Status,
			Message: text,
			Advance: r.Advance,
		}
		if r.DetailsFrom {
			ev.Details = splitDetails(text)
		}
		return ev, true
	}
	return ClassifiedEvent{}, false
}

func matches(r Rule, lower string) bool {
	for _, term := range r.All {
		if !strings.Contains(lower, term) {
			return false
		}
	}
	if len(r.Any) == 0 {
		return true
	}
	for _, term := range r.Any {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func splitDetails(text string) []string {
	_, after, ok := strings.Cut(text, ":")
	if !ok {
		return nil
	}
	var details []string
	for _, part := range strings.Split(after, ",") {
		if p := strings.TrimSpace(part); p != "" {
			details = append(details, p)
		}
	}
	return details
}

func lowerTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Classifier holds a swappable table for concurrent use.
type Classifier struct {
	table atomic.Pointer[Table]
}

// New creates a Classifier using table.
func New(table Table) *Classifier {
	c := &Classifier{}
	c.table.Store(&table)
	return c
}

// NewDefault creates a Classifier with DefaultRules.
func NewDefault() *Classifier {
	return New(MustTable(DefaultRules()))
}

// Classify matches line using the current table.
func (c *Classifier) Classify(line string, currentStage domain.StageID) (ClassifiedEvent, bool) {
	return Classify(*c.table.Load(), line, currentStage)
}

// Swap replaces the table for subsequent calls.
func (c *Classifier) Swap(table Table) {
	c.table.Store(&table)
}

// Table returns the active table.
func (c *Classifier) Table() Table {
	return *c.table.Load()
}
