package session

import (
	"errors"
	"fmt"
	"strings"
)

// Section names are a fixed enumerated set; anything else is rejected
// before it can reach a Document.
const (
	SectionChiefComplaint = "chief-complaint"
	SectionSubjective     = "subjective"
	SectionObjective      = "objective"
	SectionAssessment     = "assessment"
	SectionPlan           = "plan"
)

// SectionOrder is the presentation order for read-back and finalization.
var SectionOrder = []string{
	SectionChiefComplaint,
	SectionSubjective,
	SectionObjective,
	SectionAssessment,
	SectionPlan,
}

var (
	ErrUnknownSection     = errors.New("unknown section")
	ErrNothingToUndo      = errors.New("nothing to undo")
	ErrPreconditionNotMet = errors.New("precondition not met")
)

// CanonicalSection normalizes a spoken section name ("chief complaint",
// "Chief_Complaint") to its canonical form, or rejects it.
func CanonicalSection(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.NewReplacer(" ", "-", "_", "-").Replace(normalized)
	for _, known := range SectionOrder {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSection, name)
}

// Document is the structured note under construction. Mutating methods
// snapshot the prior content onto a bounded undo stack before applying;
// a rejected mutation leaves both the content and the stack untouched.
type Document struct {
	sections map[string]string
	history  []map[string]string
	depth    int
}

func NewDocument(undoDepth int) *Document {
	if undoDepth <= 0 {
		undoDepth = 10
	}
	return &Document{
		sections: make(map[string]string, len(SectionOrder)),
		depth:    undoDepth,
	}
}

// Section returns the current text of a section.
func (d *Document) Section(name string) (string, error) {
	canonical, err := CanonicalSection(name)
	if err != nil {
		return "", err
	}
	return d.sections[canonical], nil
}

// Sections returns a copy of the current section contents.
func (d *Document) Sections() map[string]string {
	out := make(map[string]string, len(d.sections))
	for name, text := range d.sections {
		out[name] = text
	}
	return out
}

// HistoryLen reports how many undo snapshots are held.
func (d *Document) HistoryLen() int {
	return len(d.history)
}

// pushSnapshot records the pre-mutation content, evicting the oldest
// snapshot once the stack is full.
func (d *Document) pushSnapshot() {
	snap := make(map[string]string, len(d.sections))
	for name, text := range d.sections {
		snap[name] = text
	}
	if len(d.history) >= d.depth {
		d.history = d.history[1:]
	}
	d.history = append(d.history, snap)
}

func (d *Document) SetSection(name, text string) error {
	canonical, err := CanonicalSection(name)
	if err != nil {
		return err
	}
	d.pushSnapshot()
	d.sections[canonical] = strings.TrimSpace(text)
	return nil
}

func (d *Document) AppendToSection(name, text string) error {
	canonical, err := CanonicalSection(name)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	d.pushSnapshot()
	if existing := d.sections[canonical]; existing != "" {
		d.sections[canonical] = existing + " " + text
	} else {
		d.sections[canonical] = text
	}
	return nil
}

func (d *Document) DeleteLastSentence(name string) error {
	canonical, err := CanonicalSection(name)
	if err != nil {
		return err
	}
	sentences := splitSentences(d.sections[canonical])
	if len(sentences) == 0 {
		return fmt.Errorf("%w: section %q is empty", ErrPreconditionNotMet, canonical)
	}
	d.pushSnapshot()
	d.sections[canonical] = strings.TrimSpace(strings.Join(sentences[:len(sentences)-1], " "))
	return nil
}

// DeleteItem removes the index-th sentence (1-based) from a section.
func (d *Document) DeleteItem(name string, index int) error {
	canonical, err := CanonicalSection(name)
	if err != nil {
		return err
	}
	sentences := splitSentences(d.sections[canonical])
	if index < 1 || index > len(sentences) {
		return fmt.Errorf("%w: section %q has no item %d", ErrPreconditionNotMet, canonical, index)
	}
	d.pushSnapshot()
	remaining := append(append([]string{}, sentences[:index-1]...), sentences[index:]...)
	d.sections[canonical] = strings.TrimSpace(strings.Join(remaining, " "))
	return nil
}

func (d *Document) ClearSection(name string) error {
	canonical, err := CanonicalSection(name)
	if err != nil {
		return err
	}
	d.pushSnapshot()
	delete(d.sections, canonical)
	return nil
}

// Undo restores the most recent snapshot. An empty stack is a reported
// no-op, not an error condition.
func (d *Document) Undo() error {
	if len(d.history) == 0 {
		return ErrNothingToUndo
	}
	last := d.history[len(d.history)-1]
	d.history = d.history[:len(d.history)-1]
	d.sections = last
	return nil
}

// splitSentences breaks section text on terminal punctuation. Unpunctuated
// dictation counts as a single sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
