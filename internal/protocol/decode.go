package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError describes an inbound frame the session could not act on. Code is
// sent back to the client in an error message.
type DecodeError struct {
	Code    string
	Message string
	Param   string
	// MessageType is the frame's type when it could be read.
	MessageType string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// DecodeClientMessage parses one inbound JSON frame into its typed message.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("type is required", "type")
	}
	msg, err := decodeTyped(typ, data)
	if err != nil {
		err.MessageType = typ
		return nil, err
	}
	return msg, nil
}

func decodeTyped(typ string, data []byte) (any, *DecodeError) {
	switch typ {
	case TypeSTTStreamStart:
		var msg STTStreamStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stt_stream_start", "")
		}
		if msg.SampleRate < 0 {
			return nil, badRequest("sample_rate must be positive", "sample_rate")
		}
		msg.Language = strings.TrimSpace(msg.Language)
		return msg, nil
	case TypeSTTAudioChunk:
		var msg STTAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stt_audio_chunk", "")
		}
		if msg.Audio == "" {
			return nil, badRequest("audio is required", "audio")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, badRequest("audio must be base64", "audio")
		}
		msg.PCM = pcm
		return msg, nil
	case TypeSTTStreamEnd:
		return STTStreamEnd{Type: typ}, nil
	case TypeUserText:
		var msg UserText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_text", "")
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, badRequest("text is required", "text")
		}
		return msg, nil
	case TypeSpeakText:
		var msg SpeakText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speak_text", "")
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, badRequest("text is required", "text")
		}
		msg.Language = strings.TrimSpace(msg.Language)
		return msg, nil
	case TypeInterrupt:
		return Interrupt{Type: typ}, nil
	case TypeSetLanguage:
		var msg SetLanguage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_language", "")
		}
		msg.Language = strings.TrimSpace(msg.Language)
		if msg.Language == "" {
			return nil, badRequest("language is required", "language")
		}
		return msg, nil
	case TypePing:
		return Ping{Type: typ}, nil
	case TypeGetMetrics:
		return GetMetrics{Type: typ}, nil
	default:
		return nil, unsupported("unsupported message type", typ)
	}
}

// EncodeAudio builds the wire form of a synthesized chunk.
func EncodeAudio(epoch, sequence uint64, pcm []byte, final bool) AudioChunk {
	return AudioChunk{
		Type:     TypeAudioChunk,
		EpochID:  epoch,
		Sequence: sequence,
		Audio:    base64.StdEncoding.EncodeToString(pcm),
		IsFinal:  final,
	}
}
