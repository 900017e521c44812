package protocol

// Inbound message types.
const (
	TypeSTTStreamStart = "stt_stream_start"
	TypeSTTAudioChunk  = "stt_audio_chunk"
	TypeSTTStreamEnd   = "stt_stream_end"
	TypeUserText       = "user_text"
	TypeSpeakText      = "speak_text"
	TypeInterrupt      = "interrupt"
	TypeSetLanguage    = "set_language"
	TypePing           = "ping"
	TypeGetMetrics     = "get_metrics"
)

// Outbound message types.
const (
	TypeConnectionReady         = "connection_ready"
	TypeSTTReady                = "stt_ready"
	TypeSTTUnavailable          = "stt_unavailable"
	TypeSTTFailed               = "stt_failed"
	TypeSpeechStarted           = "speech_started"
	TypeUtteranceEnd            = "utterance_end"
	TypePartialTranscript       = "partial_transcript"
	TypeFinalTranscript         = "final_transcript"
	TypeAgentResponse           = "agent_response"
	TypeAudioGenerationStarted  = "audio_generation_started"
	TypeAudioChunk              = "audio_chunk"
	TypeAudioGenerationComplete = "audio_generation_complete"
	TypeTTSInterrupted          = "tts_interrupted"
	TypeTTSUnavailable          = "tts_unavailable"
	TypeLanguageUpdated         = "language_updated"
	TypePong                    = "pong"
	TypeMetrics                 = "metrics"
	TypeError                   = "error"
)

// STTStreamStart opens a recognition stream for the session.
type STTStreamStart struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// STTAudioChunk carries base64 PCM16 microphone audio. PCM is filled by the
// decoder and never serialized.
type STTAudioChunk struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
	PCM   []byte `json:"-"`
}

type STTStreamEnd struct {
	Type string `json:"type"`
}

// UserText submits a typed turn, used when recognition is unavailable.
type UserText struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// SpeakText asks for text to be spoken as is, without an answer turn.
type SpeakText struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type Interrupt struct {
	Type string `json:"type"`
}

type SetLanguage struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

type Ping struct {
	Type string `json:"type"`
}

type GetMetrics struct {
	Type string `json:"type"`
}

// Status is the payload of bodiless outbound messages such as stt_ready.
type Status struct {
	Type string `json:"type"`
}

type ConnectionReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Language  string `json:"language"`
	STTMode   string `json:"stt_mode,omitempty"`
	TTSMode   string `json:"tts_mode,omitempty"`
}

// Failure carries stt_unavailable, stt_failed and tts_unavailable.
type Failure struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type Transcript struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type AgentResponse struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Fallback bool   `json:"fallback,omitempty"`
}

// AudioChunk is one synthesized chunk on the wire. Audio is base64 PCM16.
type AudioChunk struct {
	Type     string `json:"type"`
	EpochID  uint64 `json:"epoch_id"`
	Sequence uint64 `json:"sequence"`
	Audio    string `json:"audio"`
	IsFinal  bool   `json:"is_final"`
}

type AudioGenerationStarted struct {
	Type    string `json:"type"`
	EpochID uint64 `json:"epoch_id"`
}

type AudioGenerationComplete struct {
	Type        string `json:"type"`
	EpochID     uint64 `json:"epoch_id"`
	TotalChunks uint64 `json:"total_chunks"`
}

type TTSInterrupted struct {
	Type    string `json:"type"`
	EpochID uint64 `json:"epoch_id,omitempty"`
}

type LanguageUpdated struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// SessionMetrics reports per-connection counters for get_metrics.
type SessionMetrics struct {
	Type               string `json:"type"`
	SessionID          string `json:"session_id"`
	State              string `json:"state"`
	UptimeMS           int64  `json:"uptime_ms"`
	AudioChunksIn      int64  `json:"audio_chunks_in"`
	AudioChunksOut     int64  `json:"audio_chunks_out"`
	AudioChunksDropped int64  `json:"audio_chunks_dropped"`
	Turns              int64  `json:"turns"`
	Interruptions      int64  `json:"interruptions"`
	Reconnects         int64  `json:"reconnects"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewStatus(kind string) Status { return Status{Type: kind} }

func NewFailure(kind string, err error, code string) Failure {
	return Failure{Type: kind, Error: err.Error(), Code: code}
}
