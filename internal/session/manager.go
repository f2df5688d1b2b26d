package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
)

// MacroSource resolves macro identifiers to their expansion text.
type MacroSource interface {
	Expand(id string) (string, bool)
}

// Manager owns every session's state machine and Document. Intents are the
// only way in: there is no direct external mutation of session state.
type Manager struct {
	cfg    config.SessionConfig
	bus    *bus.Client
	logger *slog.Logger
	macros MacroSource

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session

	clock func() time.Time
}

func NewManager(parent context.Context, cfg config.SessionConfig, busClient *bus.Client, logger *slog.Logger, macros MacroSource) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:      cfg,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "session")),
		macros:   macros,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		clock:    time.Now,
	}
}

// Start launches the inactivity-lock sweeper.
func (m *Manager) Start() error {
	m.wg.Add(1)
	go m.lockLoop()
	return nil
}

func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) Healthy() bool {
	return true
}

// State reports the current state of a session; unknown sessions are idle.
func (m *Manager) State(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		return sess.state
	}
	return StateIdle
}

// Snapshot returns the last-committed section contents of a session's
// Document, never a partially-applied mutation.
func (m *Manager) Snapshot(sessionID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionID]
	if sess == nil || sess.doc == nil {
		return nil
	}
	return sess.doc.Sections()
}

func (m *Manager) ensureLocked(sessionID string) *session {
	sess := m.sessions[sessionID]
	if sess == nil {
		sess = &session{id: sessionID, state: StateIdle, lastActivity: m.clock()}
		m.sessions[sessionID] = sess
	}
	return sess
}

// DictationAppend buffers one verbatim utterance for the session's
// dictation target. Nothing touches the Document until StopDictating.
func (m *Manager) DictationAppend(sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.ensureLocked(sessionID)
	if sess.state != StateDictating {
		return fmt.Errorf("%w: session is not dictating", ErrPreconditionNotMet)
	}
	text = strings.TrimSpace(text)
	if text != "" {
		sess.dictBuffer = append(sess.dictBuffer, text)
	}
	sess.touch(m.clock())
	return nil
}

// Execute applies one intent to a session and returns a human-readable
// confirmation for the presentation layer. Mutation is apply-or-reject:
// on error the session and its Document are unchanged.
func (m *Manager) Execute(_ context.Context, sessionID string, intent protocol.Intent) (string, error) {
	m.mu.Lock()
	sess := m.ensureLocked(sessionID)
	now := m.clock()
	sess.touch(now)

	confirmation, stateChanged, note, err := m.applyLocked(sess, intent, now)
	state := sess.state
	m.mu.Unlock()

	if stateChanged {
		m.publishState(sessionID, state)
	}
	if note != nil {
		m.publishNote(*note)
	}
	return confirmation, err
}

// applyLocked is the intent switch. It returns the confirmation text,
// whether the state machine transitioned, and a finalized note when the
// intent closed one. Caller holds m.mu.
func (m *Manager) applyLocked(sess *session, intent protocol.Intent, now time.Time) (string, bool, *protocol.FinalizedNote, error) {
	if sess.state == StateLocked && intent.Kind != protocol.IntentUnlock {
		return "", false, nil, fmt.Errorf("%w: session is locked", ErrPreconditionNotMet)
	}

	switch intent.Kind {
	case protocol.IntentStartDocumenting:
		return m.startLocked(sess, StateDocumenting, "documenting started")
	case protocol.IntentStartTranscribe:
		return m.startLocked(sess, StateLiveTranscribing, "live transcription started")
	case protocol.IntentStartAmbient:
		return m.startLocked(sess, StateAmbient, "ambient mode started")

	case protocol.IntentEndSession:
		if !activeState(sess.state) {
			return "", false, nil, fmt.Errorf("%w: no active session to end", ErrPreconditionNotMet)
		}
		note := &protocol.FinalizedNote{
			SessionID:  sess.id,
			PatientRef: sess.patientRef,
			Sections:   sess.doc.Sections(),
			ClosedAt:   now,
		}
		m.resetLocked(sess)
		return "note finalized", true, note, nil

	case protocol.IntentCancelSession:
		if !activeState(sess.state) {
			return "", false, nil, fmt.Errorf("%w: no active session to cancel", ErrPreconditionNotMet)
		}
		m.resetLocked(sess)
		return "session canceled, note discarded", true, nil, nil

	case protocol.IntentLock:
		sess.discardDictation()
		sess.state = StateLocked
		return "session locked", true, nil, nil

	case protocol.IntentUnlock:
		if sess.state != StateLocked {
			return "", false, nil, fmt.Errorf("%w: session is not locked", ErrPreconditionNotMet)
		}
		// The note survives a lock; only uncommitted dictation is lost.
		sess.state = StateIdle
		sess.discardDictation()
		return "session unlocked", true, nil, nil

	case protocol.IntentDictateTo:
		if sess.state != StateDocumenting {
			return "", false, nil, fmt.Errorf("%w: dictation requires an open note", ErrPreconditionNotMet)
		}
		section, err := CanonicalSection(intent.Arg("section"))
		if err != nil {
			return "", false, nil, err
		}
		sess.state = StateDictating
		sess.dictTarget = section
		sess.dictBuffer = nil
		return "dictating to " + section, true, nil, nil

	case protocol.IntentStopDictating:
		if sess.state != StateDictating {
			return "", false, nil, fmt.Errorf("%w: not dictating", ErrPreconditionNotMet)
		}
		target := sess.dictTarget
		pending := sess.pendingDictation()
		sess.discardDictation()
		sess.state = StateDocumenting
		if pending != "" {
			if err := sess.doc.AppendToSection(target, pending); err != nil {
				return "", true, nil, err
			}
		}
		return "dictation committed to " + target, true, nil, nil

	case protocol.IntentCancelDictation:
		if sess.state != StateDictating {
			return "", false, nil, fmt.Errorf("%w: not dictating", ErrPreconditionNotMet)
		}
		sess.discardDictation()
		sess.state = StateDocumenting
		return "dictation discarded", true, nil, nil

	case protocol.IntentSetSection, protocol.IntentAppendToSection,
		protocol.IntentDeleteLastSentence, protocol.IntentDeleteItem,
		protocol.IntentClearSection, protocol.IntentInsertMacro,
		protocol.IntentUndo:
		confirmation, err := m.editLocked(sess, intent)
		return confirmation, false, nil, err

	case protocol.IntentLoadPatient:
		ref := strings.TrimSpace(intent.Arg("patient"))
		if ref == "" {
			return "", false, nil, fmt.Errorf("%w: no patient reference given", ErrPreconditionNotMet)
		}
		sess.patientRef = ref
		return "patient " + ref + " loaded", false, nil, nil

	case protocol.IntentShowVitals, protocol.IntentShowAllergy:
		if sess.patientRef == "" {
			return "", false, nil, fmt.Errorf("%w: no patient loaded", ErrPreconditionNotMet)
		}
		what := "vitals"
		if intent.Kind == protocol.IntentShowAllergy {
			what = "allergies"
		}
		return "showing " + what + " for patient " + sess.patientRef, false, nil, nil

	case protocol.IntentShowEntities:
		if !activeState(sess.state) {
			return "", false, nil, fmt.Errorf("%w: no active session", ErrPreconditionNotMet)
		}
		return "showing captured entities", false, nil, nil

	case protocol.IntentReadBack:
		if sess.doc == nil {
			return "", false, nil, fmt.Errorf("%w: no open note to read back", ErrPreconditionNotMet)
		}
		return readBack(sess.doc), false, nil, nil

	default:
		return "", false, nil, fmt.Errorf("unsupported intent %q", intent.Kind)
	}
}

// startLocked opens a note-bearing mode from idle or wake-listening.
func (m *Manager) startLocked(sess *session, target, confirmation string) (string, bool, *protocol.FinalizedNote, error) {
	if activeState(sess.state) {
		return "", false, nil, fmt.Errorf("%w: a session is already active", ErrPreconditionNotMet)
	}
	sess.state = target
	if sess.doc == nil {
		sess.doc = NewDocument(m.cfg.UndoDepth)
	}
	return confirmation, true, nil, nil
}

// editLocked applies one Document action. Edits require an open note in
// documenting mode; dictation routes around this table entirely.
func (m *Manager) editLocked(sess *session, intent protocol.Intent) (string, error) {
	if sess.state != StateDocumenting || sess.doc == nil {
		return "", fmt.Errorf("%w: editing requires an open note", ErrPreconditionNotMet)
	}
	doc := sess.doc
	section := intent.Arg("section")

	switch intent.Kind {
	case protocol.IntentSetSection:
		if err := doc.SetSection(section, intent.Arg("text")); err != nil {
			return "", err
		}
		return section + " set", nil
	case protocol.IntentAppendToSection:
		if err := doc.AppendToSection(section, intent.Arg("text")); err != nil {
			return "", err
		}
		return "appended to " + section, nil
	case protocol.IntentDeleteLastSentence:
		if err := doc.DeleteLastSentence(section); err != nil {
			return "", err
		}
		return "last sentence deleted from " + section, nil
	case protocol.IntentDeleteItem:
		index, err := strconv.Atoi(intent.Arg("index"))
		if err != nil {
			return "", fmt.Errorf("%w: bad item index %q", ErrPreconditionNotMet, intent.Arg("index"))
		}
		if err := doc.DeleteItem(section, index); err != nil {
			return "", err
		}
		return fmt.Sprintf("item %d deleted from %s", index, section), nil
	case protocol.IntentClearSection:
		if err := doc.ClearSection(section); err != nil {
			return "", err
		}
		return section + " cleared", nil
	case protocol.IntentInsertMacro:
		macroID := intent.Arg("macro")
		if m.macros == nil {
			return "", fmt.Errorf("%w: no macro library configured", ErrPreconditionNotMet)
		}
		text, ok := m.macros.Expand(macroID)
		if !ok {
			return "", fmt.Errorf("%w: unknown macro %q", ErrPreconditionNotMet, macroID)
		}
		if err := doc.AppendToSection(section, text); err != nil {
			return "", err
		}
		return "macro " + macroID + " inserted into " + section, nil
	case protocol.IntentUndo:
		if err := doc.Undo(); err != nil {
			return "", err
		}
		return "undone", nil
	}
	return "", fmt.Errorf("unsupported edit %q", intent.Kind)
}

// resetLocked returns a session to idle, dropping the note, the patient
// context, and any uncommitted dictation.
func (m *Manager) resetLocked(sess *session) {
	sess.state = StateIdle
	sess.doc = nil
	sess.patientRef = ""
	sess.discardDictation()
}

func readBack(doc *Document) string {
	sections := doc.Sections()
	var parts []string
	for _, name := range SectionOrder {
		if text := sections[name]; text != "" {
			parts = append(parts, name+": "+text)
		}
	}
	if len(parts) == 0 {
		return "the note is empty"
	}
	return strings.Join(parts, ". ")
}

// LockIdle transitions sessions past the inactivity deadline to locked,
// discarding any uncommitted dictation. Exposed for tests; the lockLoop
// calls it on a ticker.
func (m *Manager) LockIdle(now time.Time) {
	timeout := time.Duration(m.cfg.InactivityLockMS) * time.Millisecond
	if timeout <= 0 {
		return
	}

	m.mu.Lock()
	var locked []string
	for id, sess := range m.sessions {
		if !activeState(sess.state) {
			continue
		}
		if now.Sub(sess.lastActivity) < timeout {
			continue
		}
		sess.discardDictation()
		sess.state = StateLocked
		locked = append(locked, id)
	}
	m.mu.Unlock()

	for _, id := range locked {
		m.logger.Info("session locked after inactivity", slog.String("session_id", id))
		m.publishState(id, StateLocked)
	}
}

func (m *Manager) lockLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.InactivityLockMS) * time.Millisecond / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.LockIdle(m.clock())
		}
	}
}

func (m *Manager) publishState(sessionID, state string) {
	if m.bus == nil {
		return
	}
	change := protocol.SessionStateChange{
		SessionID: sessionID,
		State:     state,
		Timestamp: m.clock().UTC(),
	}
	data, err := json.Marshal(change)
	if err != nil {
		return
	}
	if err := m.bus.Conn().Publish(protocol.SubjectSessionState, data); err != nil {
		m.logger.Warn("failed to publish state change",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) publishNote(note protocol.FinalizedNote) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		return
	}
	if err := m.bus.Conn().Publish(protocol.SubjectNoteFinalized, data); err != nil {
		m.logger.Warn("failed to publish finalized note",
			slog.String("session_id", note.SessionID),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Info("note finalized",
		slog.String("session_id", note.SessionID),
		slog.Int("sections", len(note.Sections)))
}
