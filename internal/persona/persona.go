// Package persona builds the simulated patient's system prompt and
// decides when the student has reached a correct diagnosis.
package persona

import (
	"fmt"
	"strings"
)

const defaultConditionPrompt = "You are to act as a concerned patient with a diagnosis (choose a random disease, pretend like you're not aware what it is until I say 'simulation over' and ask about it). I will ask you questions to help diagnose your condition. Please answer as accurately as possible. Sound distressed if you are in pain or uncomfortable. If you are not in distress, please respond calmly and clearly."

// Persona describes the patient the model plays for one session.
type Persona struct {
	Name            string
	Age             int
	ConditionPrompt string // symptoms and condition the patient presents
	Instructions    string // extra personality or scenario detail
}

const completionInstruction = `Continue this process until you determine that me, the pharmacy student, has properly diagnosed the patient you are pretending to be. Once the proper diagnosis is provided, include ` + SentinelMarker + ` in your response and do not continue the conversation.`

const farewellInstruction = `Once I, the pharmacy student, have given you a diagnosis, politely leave the conversation and wish me goodbye. Regardless if I have given you the proper diagnosis or not for the patient you are pretending to be, stop talking to me.`

// Context returns the condition description used as patient context
// for empathy evaluation.
func (p Persona) Context() string {
	if c := strings.TrimSpace(p.ConditionPrompt); c != "" {
		return c
	}
	return defaultConditionPrompt
}

// SystemPrompt renders the full system prompt for a session. history is
// the formatted transcript of a prior connection, empty for a fresh
// session. completionMode switches between sentinel-based detection and
// a plain farewell.
func (p Persona) SystemPrompt(history string, completionMode bool) string {
	condition := strings.TrimSpace(p.ConditionPrompt)
	if condition == "" {
		condition = defaultConditionPrompt
	}

	var b strings.Builder
	b.WriteString("You are a patient, I am a pharmacy student. ")
	if p.Name != "" {
		fmt.Fprintf(&b, "Your name is %s and you are going to pretend to be a patient talking to me, a pharmacy student. ", p.Name)
	}
	b.WriteString("You are not the pharmacy student. You are the patient. ")
	b.WriteString("Please pay close attention to this: ")
	b.WriteString(condition)
	b.WriteString("\n")

	if p.Name != "" && p.Age > 0 {
		fmt.Fprintf(&b, "Start the conversation by saying Hello! I'm %s, I am %d years old, and then further talk about the symptoms you have.\n", p.Name, p.Age)
	}
	if inst := strings.TrimSpace(p.Instructions); inst != "" {
		fmt.Fprintf(&b, "Here are some additional details about your personality, symptoms, or overall condition: %s\n", inst)
	}

	b.WriteString("Use three sentences maximum when describing your symptoms to provide clues to me, the pharmacy student. ")
	b.WriteString("End each clue with a question that pushes me to the correct diagnosis. I might ask you questions or provide my thoughts as statements.\n")

	if completionMode {
		b.WriteString(completionInstruction)
	} else {
		b.WriteString(farewellInstruction)
	}
	b.WriteString("\nAgain, YOU ARE SUPPOSED TO ACT AS THE PATIENT. I AM THE PHARMACY STUDENT.")

	if history != "" {
		b.WriteString("\n\nHere is our conversation so far, continue from where it left off:\n")
		b.WriteString(history)
	}

	return b.String()
}
