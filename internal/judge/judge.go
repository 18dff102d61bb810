// Package judge scores a student's utterance for empathetic
// communication using an LLM grader.
package judge

import (
	"context"
	"encoding/json"
)

// Score is the structured empathy evaluation for one student turn.
// Dimension scores use the 1-5 novice-to-extending scale.
type Score struct {
	EmpathyScore          int             `json:"empathy_score"`
	PerspectiveTaking     int             `json:"perspective_taking"`
	EmotionalResonance    int             `json:"emotional_resonance"`
	Acknowledgment        int             `json:"acknowledgment"`
	LanguageCommunication int             `json:"language_communication"`
	CognitiveEmpathy      int             `json:"cognitive_empathy"`
	AffectiveEmpathy      int             `json:"affective_empathy"`
	RealismFlag           string          `json:"realism_flag"`
	JudgeReasoning        json.RawMessage `json:"judge_reasoning,omitempty"`
	Feedback              json.RawMessage `json:"feedback,omitempty"`
}

// Judge evaluates one student response in the context of the simulated
// patient. A nil *Score with a non-nil error means the evaluation is
// unavailable; callers must treat that as skippable, never fatal.
type Judge interface {
	Evaluate(ctx context.Context, studentResponse, patientContext string) (*Score, error)
}
