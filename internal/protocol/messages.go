// Package protocol defines the JSON vocabulary spoken between clients
// and the session engine.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType identifies inbound client payload variants.
type CommandType string

const (
	TypeStartSession CommandType = "start_session"
	TypeStartAudio   CommandType = "start_audio"
	TypeAudio        CommandType = "audio"
	TypeEndAudio     CommandType = "end_audio"
	TypeText         CommandType = "text"
	TypeInterrupt    CommandType = "interrupt"
	TypeSetVoice     CommandType = "set_voice"
	TypeEndSession   CommandType = "end_session"
)

// EventType identifies outbound payload variants.
type EventType string

const (
	TypeTextEvent        EventType = "text"
	TypeAudioEvent       EventType = "audio"
	TypeEmpathyData      EventType = "empathy_data"
	TypeDiagnosisDone    EventType = "diagnosis_complete"
	TypeDiagnosisVerdict EventType = "diagnosis_verdict"
	TypeError            EventType = "error"
	TypeSessionReady     EventType = "session_ready"
	TypeSessionEnded     EventType = "session_ended"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type CommandType `json:"type"`
}

type StartSession struct {
	Type           CommandType `json:"type"`
	SessionID      string      `json:"session_id"`
	VoiceID        string      `json:"voice_id,omitempty"`
	PatientName    string      `json:"patient_name,omitempty"`
	PatientAge     int         `json:"patient_age,omitempty"`
	PatientPrompt  string      `json:"patient_prompt,omitempty"`
	Instructions   string      `json:"instructions,omitempty"`
	CompletionMode bool        `json:"completion_mode,omitempty"`
}

type StartAudio struct {
	Type CommandType `json:"type"`
}

type Audio struct {
	Type CommandType `json:"type"`
	Data string      `json:"data"` // base64 PCM16LE 16kHz mono
}

type EndAudio struct {
	Type CommandType `json:"type"`
}

type Text struct {
	Type CommandType `json:"type"`
	Data string      `json:"data"`
}

type Interrupt struct {
	Type CommandType `json:"type"`
}

type SetVoice struct {
	Type    CommandType `json:"type"`
	VoiceID string      `json:"voice_id"`
}

type EndSession struct {
	Type CommandType `json:"type"`
}

// Outbound events.

type TextEvent struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
	Role string    `json:"role,omitempty"`
}

type AudioEvent struct {
	Type EventType `json:"type"`
	Data string    `json:"data"` // base64 PCM16LE 24kHz mono
	Size int       `json:"size"`
}

type EmpathyDataEvent struct {
	Type    EventType       `json:"type"`
	Content json.RawMessage `json:"content"`
}

type DiagnosisCompleteEvent struct {
	Type EventType `json:"type"`
}

type DiagnosisVerdictEvent struct {
	Type    EventType `json:"type"`
	Verdict bool      `json:"verdict"`
}

type ErrorEvent struct {
	Type  EventType `json:"type"`
	Text  string    `json:"text"`
	Fatal bool      `json:"fatal,omitempty"`
}

type SessionReadyEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	VoiceID   string    `json:"voice_id"`
}

type SessionEndedEvent struct {
	Type   EventType `json:"type"`
	Reason string    `json:"reason,omitempty"`
}

// ParseCommand decodes one inbound client payload into its typed form.
func ParseCommand(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid start_session: session_id required")
		}
		return msg, nil
	case TypeStartAudio:
		return StartAudio{Type: env.Type}, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid audio: data required")
		}
		return msg, nil
	case TypeEndAudio:
		return EndAudio{Type: env.Type}, nil
	case TypeText:
		var msg Text
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid text: data required")
		}
		return msg, nil
	case TypeInterrupt:
		return Interrupt{Type: env.Type}, nil
	case TypeSetVoice:
		var msg SetVoice
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.VoiceID == "" {
			return nil, errors.New("invalid set_voice: voice_id required")
		}
		return msg, nil
	case TypeEndSession:
		return EndSession{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
