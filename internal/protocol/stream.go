package protocol

// Messages exchanged on the capture <-> relay duplex stream. The first
// client message is a hello; the relay answers with a welcome carrying the
// session identity it owns. After that the client sends AudioFrames uplink
// and the relay sends tagged server messages downlink.

type StreamHello struct {
	DeviceID     string `json:"device_id"`
	ProviderHint string `json:"provider_hint,omitempty"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	// ResumeSessionID asks the relay to re-attach to an existing session
	// after a dropped link instead of minting a new one.
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

type StreamWelcome struct {
	SessionID string `json:"session_id"`
	Provider  string `json:"provider"`
}

const (
	StreamMsgWelcome    = "welcome"
	StreamMsgTranscript = "transcript"
	StreamMsgFeedback   = "feedback"
	StreamMsgError      = "error"
)

// StreamServerMessage is the downlink envelope.
type StreamServerMessage struct {
	Type       string           `json:"type"`
	Welcome    *StreamWelcome   `json:"welcome,omitempty"`
	Transcript *TranscriptEvent `json:"transcript,omitempty"`
	Feedback   *Feedback        `json:"feedback,omitempty"`
	Error      string           `json:"error,omitempty"`
}
