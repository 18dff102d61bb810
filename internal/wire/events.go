package wire

import "encoding/json"

// Kind tags the known inbound wire event variants. Anything the speech model
// sends beyond these is KindIgnored for forward compatibility.
type Kind string

const (
	KindContentStart  Kind = "contentStart"
	KindTextOutput    Kind = "textOutput"
	KindAudioOutput   Kind = "audioOutput"
	KindContentEnd    Kind = "contentEnd"
	KindCompletionEnd Kind = "completionEnd"
	KindIgnored       Kind = "ignored"
)

// Speaker roles carried on content boundaries.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
)

// Event is one decoded inbound wire event. Exactly one payload pointer is set
// for the structured kinds; KindIgnored carries none.
type Event struct {
	Kind         Kind
	ContentStart *ContentStart
	TextOutput   *TextOutput
	AudioOutput  *AudioOutput
	ContentEnd   *ContentEnd
}

type ContentStart struct {
	PromptID  string
	ContentID string
	Type      string
	Role      string
	// HasStage is true when the model attached a generation stage; the
	// assistant transcript arrives twice (SPECULATIVE then FINAL) in that
	// case and only one copy should reach the client.
	HasStage    bool
	Speculative bool
}

type TextOutput struct {
	PromptID  string
	ContentID string
	Role      string
	Content   string
}

type AudioOutput struct {
	PromptID  string
	ContentID string
	// Content is the base64-encoded audio payload exactly as received.
	Content string
}

type ContentEnd struct {
	PromptID  string
	ContentID string
}

type inboundEnvelope struct {
	Event struct {
		ContentStart  *contentStartPayload `json:"contentStart"`
		TextOutput    *textOutputPayload   `json:"textOutput"`
		AudioOutput   *audioOutputPayload  `json:"audioOutput"`
		ContentEnd    *contentEndPayload   `json:"contentEnd"`
		CompletionEnd json.RawMessage      `json:"completionEnd"`
	} `json:"event"`
}

type contentStartPayload struct {
	PromptName            string `json:"promptName"`
	ContentName           string `json:"contentName"`
	Type                  string `json:"type"`
	Role                  string `json:"role"`
	AdditionalModelFields string `json:"additionalModelFields"`
}

type textOutputPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Role        string `json:"role"`
	Content     string `json:"content"`
}

type audioOutputPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type contentEndPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

// ParseEvent maps one reassembled JSON object onto the event union. Objects
// without a recognized event payload come back as KindIgnored rather than an
// error so unknown upstream additions never break the pump.
func ParseEvent(raw json.RawMessage) Event {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{Kind: KindIgnored}
	}

	switch {
	case env.Event.ContentStart != nil:
		cs := env.Event.ContentStart
		out := &ContentStart{
			PromptID:  cs.PromptName,
			ContentID: cs.ContentName,
			Type:      cs.Type,
			Role:      cs.Role,
		}
		if cs.AdditionalModelFields != "" {
			var fields struct {
				GenerationStage string `json:"generationStage"`
			}
			if err := json.Unmarshal([]byte(cs.AdditionalModelFields), &fields); err == nil && fields.GenerationStage != "" {
				out.HasStage = true
				out.Speculative = fields.GenerationStage == "SPECULATIVE"
			}
		}
		return Event{Kind: KindContentStart, ContentStart: out}
	case env.Event.TextOutput != nil:
		to := env.Event.TextOutput
		return Event{Kind: KindTextOutput, TextOutput: &TextOutput{
			PromptID:  to.PromptName,
			ContentID: to.ContentName,
			Role:      to.Role,
			Content:   to.Content,
		}}
	case env.Event.AudioOutput != nil:
		ao := env.Event.AudioOutput
		return Event{Kind: KindAudioOutput, AudioOutput: &AudioOutput{
			PromptID:  ao.PromptName,
			ContentID: ao.ContentName,
			Content:   ao.Content,
		}}
	case env.Event.ContentEnd != nil:
		ce := env.Event.ContentEnd
		return Event{Kind: KindContentEnd, ContentEnd: &ContentEnd{
			PromptID:  ce.PromptName,
			ContentID: ce.ContentName,
		}}
	case env.Event.CompletionEnd != nil:
		return Event{Kind: KindCompletionEnd}
	default:
		return Event{Kind: KindIgnored}
	}
}
