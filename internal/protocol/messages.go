package protocol

import "time"

// AudioFrame is a fixed-duration chunk of PCM captured at the edge.
// Frames are immutable after creation; Sequence is monotonic per session.
type AudioFrame struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	CapturedAt time.Time `json:"captured_at"`
	Final      bool      `json:"final"`
}

// Duration reports the play time of the frame's PCM payload (16-bit samples).
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// TranscriptEvent is the normalized output of a speech backend. Partial
// events may be superseded by later events with the same or higher sequence;
// final events are immutable and strictly ordered by Sequence.
type TranscriptEvent struct {
	SessionID    string    `json:"session_id"`
	Sequence     uint64    `json:"sequence"`
	Text         string    `json:"text"`
	Final        bool      `json:"final"`
	SpeakerLabel string    `json:"speaker_label,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// CompletedUtterance is one bounded span of speech, emitted exactly once per
// boundary by the segmenter.
type CompletedUtterance struct {
	SessionID    string    `json:"session_id"`
	Text         string    `json:"text"`
	SpeakerLabel string    `json:"speaker_label,omitempty"`
	BoundedAt    time.Time `json:"bounded_at"`
	// Reason records which rule closed the boundary: terminal, silence, ceiling.
	Reason string `json:"reason,omitempty"`
}

// IntentKind enumerates every action the dispatcher can execute.
type IntentKind string

const (
	IntentStartDocumenting IntentKind = "start_documenting"
	IntentStartTranscribe  IntentKind = "start_transcribe"
	IntentStartAmbient     IntentKind = "start_ambient"
	IntentEndSession       IntentKind = "end_session"
	IntentCancelSession    IntentKind = "cancel_session"
	IntentLock             IntentKind = "lock"
	IntentUnlock           IntentKind = "unlock"

	IntentSetSection         IntentKind = "set_section"
	IntentAppendToSection    IntentKind = "append_to_section"
	IntentDeleteLastSentence IntentKind = "delete_last_sentence"
	IntentDeleteItem         IntentKind = "delete_item"
	IntentClearSection       IntentKind = "clear_section"
	IntentInsertMacro        IntentKind = "insert_macro"
	IntentUndo               IntentKind = "undo"

	IntentDictateTo       IntentKind = "dictate_to"
	IntentStopDictating   IntentKind = "stop_dictating"
	IntentCancelDictation IntentKind = "cancel_dictation"

	IntentLoadPatient  IntentKind = "load_patient"
	IntentShowVitals   IntentKind = "show_vitals"
	IntentShowAllergy  IntentKind = "show_allergies"
	IntentShowEntities IntentKind = "show_entities"
	IntentReadBack     IntentKind = "read_back"
)

// Intent is a structured action request extracted from one clause of an
// utterance, or submitted directly by a non-voice caller. Intents are value
// objects and never persisted beyond the dispatch cycle.
type Intent struct {
	Kind      IntentKind        `json:"kind"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Arg returns a named argument or the empty string.
func (i Intent) Arg(name string) string {
	return i.Arguments[name]
}

// IntentEnvelope carries direct (non-voice) intent invocations on the bus.
type IntentEnvelope struct {
	SessionID string    `json:"session_id"`
	Intents   []Intent  `json:"intents"`
	Timestamp time.Time `json:"timestamp"`
}

// Feedback is the per-action confirmation surfaced to the presentation layer.
type Feedback struct {
	SessionID string     `json:"session_id"`
	Intent    IntentKind `json:"intent,omitempty"`
	Utterance string     `json:"utterance"`
	Message   string     `json:"message,omitempty"`
	State     string     `json:"state"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// FinalizedNote hands a completed document to the note-storage collaborator.
// Section content is opaque to this core beyond the name->text mapping.
type FinalizedNote struct {
	SessionID  string            `json:"session_id"`
	PatientRef string            `json:"patient_ref,omitempty"`
	Sections   map[string]string `json:"sections"`
	ClosedAt   time.Time         `json:"closed_at"`
}

// SessionStateChange announces state-machine transitions so upstream
// stages (wake gate, presentation) can track session mode.
type SessionStateChange struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus subjects. Session-scoped subjects append ".<session_id>".
const (
	SubjectTranscriptPartial = "transcript.partial"
	SubjectTranscriptFinal   = "transcript.final"
	SubjectUtterance         = "utterance.completed"
	SubjectIntentDirect      = "intent.direct"
	SubjectFeedback          = "session.feedback"
	SubjectFeedbackSay       = "feedback.say"
	SubjectNoteFinalized     = "note.finalized"
	SubjectSessionState      = "session.state"
	SubjectDeviceAnnounce    = "device.announce"
	SubjectDeviceHeartbeat   = "device.heartbeat"
)
