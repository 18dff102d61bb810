package wire

import (
	"encoding/base64"
	"encoding/json"
)

// Audio geometry the speech model expects on each side of the stream.
const (
	InputSampleRateHz  = 16000
	OutputSampleRateHz = 24000
	SampleSizeBits     = 16
	ChannelCount       = 1
)

// InferenceConfig carries session-level generation parameters. The adapter
// forwards these verbatim; it never interprets them.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7}
}

// VoiceConfig selects the synthesized voice and output audio geometry.
type VoiceConfig struct {
	VoiceID      string
	SampleRateHz int
	SampleBits   int
	Channels     int
}

func DefaultVoiceConfig(voiceID string) VoiceConfig {
	return VoiceConfig{
		VoiceID:      voiceID,
		SampleRateHz: OutputSampleRateHz,
		SampleBits:   SampleSizeBits,
		Channels:     ChannelCount,
	}
}

type textOutputConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type textInputConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

func marshalFrame(event any) ([]byte, error) {
	return json.Marshal(struct {
		Event any `json:"event"`
	}{Event: event})
}

// SessionStartFrame is the first frame of every session.
func SessionStartFrame(cfg InferenceConfig) ([]byte, error) {
	return marshalFrame(struct {
		SessionStart struct {
			InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
		} `json:"sessionStart"`
	}{SessionStart: struct {
		InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
	}{InferenceConfiguration: cfg}})
}

func PromptStartFrame(promptID string, voice VoiceConfig) ([]byte, error) {
	type promptStart struct {
		PromptName               string                   `json:"promptName"`
		TextOutputConfiguration  textOutputConfiguration  `json:"textOutputConfiguration"`
		AudioOutputConfiguration audioOutputConfiguration `json:"audioOutputConfiguration"`
	}
	return marshalFrame(struct {
		PromptStart promptStart `json:"promptStart"`
	}{PromptStart: promptStart{
		PromptName:              promptID,
		TextOutputConfiguration: textOutputConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: audioOutputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: voice.SampleRateHz,
			SampleSizeBits:  voice.SampleBits,
			ChannelCount:    voice.Channels,
			VoiceID:         voice.VoiceID,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}})
}

func TextContentStartFrame(promptID, contentID, role string) ([]byte, error) {
	type contentStart struct {
		PromptName             string                 `json:"promptName"`
		ContentName            string                 `json:"contentName"`
		Type                   string                 `json:"type"`
		Interactive            bool                   `json:"interactive"`
		Role                   string                 `json:"role"`
		TextInputConfiguration textInputConfiguration `json:"textInputConfiguration"`
	}
	return marshalFrame(struct {
		ContentStart contentStart `json:"contentStart"`
	}{ContentStart: contentStart{
		PromptName:             promptID,
		ContentName:            contentID,
		Type:                   "TEXT",
		Interactive:            true,
		Role:                   role,
		TextInputConfiguration: textInputConfiguration{MediaType: "text/plain"},
	}})
}

// TextInputFrame serializes text through the JSON encoder, so quotes and
// control characters in the prompt can never break the frame.
func TextInputFrame(promptID, contentID, text string) ([]byte, error) {
	type textInput struct {
		PromptName  string `json:"promptName"`
		ContentName string `json:"contentName"`
		Content     string `json:"content"`
	}
	return marshalFrame(struct {
		TextInput textInput `json:"textInput"`
	}{TextInput: textInput{PromptName: promptID, ContentName: contentID, Content: text}})
}

func AudioContentStartFrame(promptID, contentID string) ([]byte, error) {
	type contentStart struct {
		PromptName              string                  `json:"promptName"`
		ContentName             string                  `json:"contentName"`
		Type                    string                  `json:"type"`
		Interactive             bool                    `json:"interactive"`
		Role                    string                  `json:"role"`
		AudioInputConfiguration audioInputConfiguration `json:"audioInputConfiguration"`
	}
	return marshalFrame(struct {
		ContentStart contentStart `json:"contentStart"`
	}{ContentStart: contentStart{
		PromptName:  promptID,
		ContentName: contentID,
		Type:        "AUDIO",
		Interactive: true,
		Role:        RoleUser,
		AudioInputConfiguration: audioInputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: InputSampleRateHz,
			SampleSizeBits:  SampleSizeBits,
			ChannelCount:    ChannelCount,
			AudioType:       "SPEECH",
			Encoding:        "base64",
		},
	}})
}

func AudioInputFrame(promptID, contentID string, audio []byte) ([]byte, error) {
	type audioInput struct {
		PromptName  string `json:"promptName"`
		ContentName string `json:"contentName"`
		Content     string `json:"content"`
	}
	return marshalFrame(struct {
		AudioInput audioInput `json:"audioInput"`
	}{AudioInput: audioInput{
		PromptName:  promptID,
		ContentName: contentID,
		Content:     base64.StdEncoding.EncodeToString(audio),
	}})
}

func ContentEndFrame(promptID, contentID string) ([]byte, error) {
	type contentEnd struct {
		PromptName  string `json:"promptName"`
		ContentName string `json:"contentName"`
	}
	return marshalFrame(struct {
		ContentEnd contentEnd `json:"contentEnd"`
	}{ContentEnd: contentEnd{PromptName: promptID, ContentName: contentID}})
}

func PromptEndFrame(promptID string) ([]byte, error) {
	type promptEnd struct {
		PromptName string `json:"promptName"`
	}
	return marshalFrame(struct {
		PromptEnd promptEnd `json:"promptEnd"`
	}{PromptEnd: promptEnd{PromptName: promptID}})
}

func SessionEndFrame() ([]byte, error) {
	return marshalFrame(struct {
		SessionEnd struct{} `json:"sessionEnd"`
	}{})
}
