package command

import (
	"strings"

	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
)

// Parser splits an utterance on conjunction markers and matches each
// clause against the rule table. Clauses that match nothing are silently
// ignored: disfluency and filler must not abort the rest of the utterance.
type Parser struct {
	rules        []rule
	conjunctions map[string]bool
}

// Issue is a clause that matched a rule but failed argument binding,
// e.g. an unknown section name. Issues are per-clause and reportable;
// they never stop later clauses from parsing.
type Issue struct {
	Clause string
	Err    error
}

func NewParser(cfg config.ParserConfig) *Parser {
	conj := make(map[string]bool, len(cfg.Conjunctions))
	for _, word := range cfg.Conjunctions {
		conj[strings.ToLower(word)] = true
	}
	return &Parser{rules: defaultRules(), conjunctions: conj}
}

// Parse returns the ordered intents of an utterance plus any binding
// issues. Intent order matches clause order; execution order is the
// dispatcher's contract.
func (p *Parser) Parse(text string) ([]protocol.Intent, []Issue) {
	words := tokenize(text)
	var intents []protocol.Intent
	var issues []Issue
	for _, clause := range p.splitClauses(words) {
		intent, ok, err := p.matchClause(clause)
		if err != nil {
			issues = append(issues, Issue{Clause: strings.Join(clause, " "), Err: err})
			continue
		}
		if ok {
			intents = append(intents, intent)
		}
	}
	return intents, issues
}

// ExitIntent matches the whole utterance against only the dictation exit
// phrases. Everything else is opaque dictation content.
func (p *Parser) ExitIntent(text string) (protocol.Intent, bool) {
	words := tokenize(text)
	intent, ok, err := p.matchClauseFiltered(words, dictationExit)
	return intent, ok && err == nil
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func (p *Parser) splitClauses(words []string) [][]string {
	var clauses [][]string
	var current []string
	for _, word := range words {
		if p.conjunctions[word] {
			if len(current) > 0 {
				clauses = append(clauses, current)
				current = nil
			}
			continue
		}
		current = append(current, word)
	}
	if len(current) > 0 {
		clauses = append(clauses, current)
	}
	return clauses
}

func (p *Parser) matchClause(words []string) (protocol.Intent, bool, error) {
	return p.matchClauseFiltered(words, nil)
}

// matchClauseFiltered picks the winning rule for one clause. Longest
// phrase wins; among equal lengths the highest rule index (most recently
// added) wins.
func (p *Parser) matchClauseFiltered(words []string, allow func(protocol.IntentKind) bool) (protocol.Intent, bool, error) {
	best := -1
	bestPos := -1
	for i, r := range p.rules {
		if allow != nil && !allow(r.kind) {
			continue
		}
		pos := findPhrase(words, r.phrase)
		if pos < 0 {
			continue
		}
		if best < 0 || len(r.phrase) > len(p.rules[best].phrase) ||
			(len(r.phrase) == len(p.rules[best].phrase) && i > best) {
			best = i
			bestPos = pos
		}
	}
	if best < 0 {
		return protocol.Intent{}, false, nil
	}

	winner := p.rules[best]
	intent := protocol.Intent{Kind: winner.kind}
	if winner.bind != nil {
		rest := words[bestPos+len(winner.phrase):]
		args, err := winner.bind(rest)
		if err != nil {
			return protocol.Intent{}, false, err
		}
		intent.Arguments = args
	}
	return intent, true, nil
}

// findPhrase locates phrase as a whole-word sequence within words.
func findPhrase(words, phrase []string) int {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return -1
	}
outer:
	for i := 0; i+len(phrase) <= len(words); i++ {
		for j, p := range phrase {
			if words[i+j] != p {
				continue outer
			}
		}
		return i
	}
	return -1
}
