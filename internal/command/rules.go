package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/session"
)

// binder turns the words following a matched phrase into intent arguments.
// A nil binder means the intent takes none. Binder errors reject the
// clause; they never abort the rest of the utterance.
type binder func(rest []string) (map[string]string, error)

// rule maps a trigger phrase to an intent. Ambiguity between rules is
// resolved deterministically: the longest matching phrase wins, and among
// equal-length phrases the most-recently-added rule wins. Ordering in
// this table is therefore meaningful only as a recency ranking.
type rule struct {
	phrase []string
	kind   protocol.IntentKind
	bind   binder
}

func p(phrase string) []string {
	return strings.Fields(phrase)
}

func defaultRules() []rule {
	return []rule{
		{p("start documenting"), protocol.IntentStartDocumenting, nil},
		{p("start a new note"), protocol.IntentStartDocumenting, nil},
		{p("start transcribing"), protocol.IntentStartTranscribe, nil},
		{p("start live transcription"), protocol.IntentStartTranscribe, nil},
		{p("start ambient mode"), protocol.IntentStartAmbient, nil},

		{p("end session"), protocol.IntentEndSession, nil},
		{p("finalize the note"), protocol.IntentEndSession, nil},
		{p("sign off"), protocol.IntentEndSession, nil},
		{p("cancel session"), protocol.IntentCancelSession, nil},
		{p("discard the note"), protocol.IntentCancelSession, nil},
		{p("lock"), protocol.IntentLock, nil},
		{p("lock the session"), protocol.IntentLock, nil},
		{p("unlock"), protocol.IntentUnlock, nil},

		{p("set section"), protocol.IntentSetSection, sectionThenText},
		{p("append to"), protocol.IntentAppendToSection, sectionThenText},
		{p("add to"), protocol.IntentAppendToSection, sectionThenText},
		{p("delete last sentence from"), protocol.IntentDeleteLastSentence, sectionOnly},
		{p("delete the last sentence from"), protocol.IntentDeleteLastSentence, sectionOnly},
		{p("delete item"), protocol.IntentDeleteItem, itemFromSection},
		{p("clear"), protocol.IntentClearSection, sectionOnly},
		{p("clear section"), protocol.IntentClearSection, sectionOnly},
		{p("insert macro"), protocol.IntentInsertMacro, macroIntoSection},
		{p("undo"), protocol.IntentUndo, nil},
		{p("undo that"), protocol.IntentUndo, nil},

		{p("dictate to"), protocol.IntentDictateTo, sectionOnly},
		{p("start dictation to"), protocol.IntentDictateTo, sectionOnly},
		{p("stop dictating"), protocol.IntentStopDictating, nil},
		{p("stop dictation"), protocol.IntentStopDictating, nil},
		{p("cancel dictation"), protocol.IntentCancelDictation, nil},

		{p("load patient"), protocol.IntentLoadPatient, remainderAsPatient},
		{p("pull up patient"), protocol.IntentLoadPatient, remainderAsPatient},
		{p("show vitals"), protocol.IntentShowVitals, nil},
		{p("show allergies"), protocol.IntentShowAllergy, nil},
		{p("show entities"), protocol.IntentShowEntities, nil},
		{p("read it back"), protocol.IntentReadBack, nil},
		{p("read back the note"), protocol.IntentReadBack, nil},
		{p("read the note back"), protocol.IntentReadBack, nil},
	}
}

// dictationExit reports whether a rule may fire while dictating. Only the
// two exit phrases are consulted; everything else is dictated verbatim.
func dictationExit(kind protocol.IntentKind) bool {
	return kind == protocol.IntentStopDictating || kind == protocol.IntentCancelDictation
}

// sessionControl reports whether an intent is permitted in ambient mode.
func sessionControl(kind protocol.IntentKind) bool {
	switch kind {
	case protocol.IntentEndSession, protocol.IntentCancelSession,
		protocol.IntentShowEntities, protocol.IntentLock, protocol.IntentUnlock:
		return true
	default:
		return false
	}
}

// asyncIntent marks intents whose side effects settle asynchronously; the
// dispatcher waits longer before the next clause may observe their state.
func asyncIntent(kind protocol.IntentKind) bool {
	return kind == protocol.IntentLoadPatient
}

// takeSection consumes a spoken section name from the front of rest.
// Two-word names ("chief complaint") are tried before one-word names.
func takeSection(rest []string) (string, []string, error) {
	if len(rest) >= 2 {
		if canonical, err := session.CanonicalSection(strings.Join(rest[:2], " ")); err == nil {
			return canonical, rest[2:], nil
		}
	}
	if len(rest) >= 1 {
		if canonical, err := session.CanonicalSection(rest[0]); err == nil {
			return canonical, rest[1:], nil
		}
		return "", nil, fmt.Errorf("%w: %q", session.ErrUnknownSection, rest[0])
	}
	return "", nil, fmt.Errorf("%w: no section named", session.ErrUnknownSection)
}

func sectionOnly(rest []string) (map[string]string, error) {
	section, _, err := takeSection(rest)
	if err != nil {
		return nil, err
	}
	return map[string]string{"section": section}, nil
}

func sectionThenText(rest []string) (map[string]string, error) {
	section, remainder, err := takeSection(rest)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"section": section,
		"text":    strings.Join(remainder, " "),
	}, nil
}

// itemFromSection parses "<number> from <section>".
func itemFromSection(rest []string) (map[string]string, error) {
	if len(rest) < 3 || rest[1] != "from" {
		return nil, fmt.Errorf("%w: expected item number and section", session.ErrUnknownSection)
	}
	index, err := parseNumber(rest[0])
	if err != nil {
		return nil, err
	}
	section, _, err := takeSection(rest[2:])
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"section": section,
		"index":   strconv.Itoa(index),
	}, nil
}

// macroIntoSection parses "<macro words> into <section>". Spoken macro
// names join with hyphens to form the library identifier.
func macroIntoSection(rest []string) (map[string]string, error) {
	into := -1
	for i, word := range rest {
		if word == "into" {
			into = i
			break
		}
	}
	if into <= 0 || into == len(rest)-1 {
		return nil, fmt.Errorf("macro insertion needs a target section")
	}
	section, _, err := takeSection(rest[into+1:])
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"macro":   strings.Join(rest[:into], "-"),
		"section": section,
	}, nil
}

func remainderAsPatient(rest []string) (map[string]string, error) {
	if len(rest) == 0 {
		return nil, fmt.Errorf("no patient reference given")
	}
	return map[string]string{"patient": strings.Join(rest, " ")}, nil
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

func parseNumber(word string) (int, error) {
	if n, ok := numberWords[word]; ok {
		return n, nil
	}
	n, err := strconv.Atoi(word)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", word)
	}
	return n, nil
}
