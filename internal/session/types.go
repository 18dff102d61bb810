package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	VoiceID        string `json:"voice_id,omitempty"`
	PatientName    string `json:"patient_name,omitempty"`
	PatientAge     int    `json:"patient_age,omitempty"`
	PatientPrompt  string `json:"patient_prompt,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	CompletionMode bool   `json:"completion_mode,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	VoiceID         string    `json:"voice_id"`
	PatientName     string    `json:"patient_name,omitempty"`
	CompletionMode  bool      `json:"completion_mode"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
