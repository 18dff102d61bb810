package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medsimlabs/patientvoice/internal/reliability"
)

type HTTPConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
}

// HTTPJudge grades responses via the Anthropic messages API.
type HTTPJudge struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPJudge(cfg HTTPConfig) *HTTPJudge {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPJudge{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type messagesRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Messages    []promptMessage `json:"messages"`
}

type promptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (j *HTTPJudge) Evaluate(ctx context.Context, studentResponse, patientContext string) (*Score, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       j.cfg.Model,
		MaxTokens:   500,
		Temperature: 0.1,
		Messages: []promptMessage{
			{Role: "user", Content: evaluationPrompt(studentResponse, patientContext)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation request: %w", err)
	}

	var text string
	err = reliability.Retry(ctx, j.cfg.MaxAttempts, j.cfg.BackoffBase, j.cfg.BackoffCap, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(j.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("x-api-key", j.cfg.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
		req.Header.Set("content-type", "application/json")

		resp, err := j.client.Do(req)
		if err != nil {
			return true, fmt.Errorf("send evaluation request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return true, fmt.Errorf("read evaluation response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return reliability.IsRetryableHTTPStatus(resp.StatusCode),
				fmt.Errorf("evaluation API status %s", resp.Status)
		}

		var parsed messagesResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return false, fmt.Errorf("unmarshal evaluation response: %w", err)
		}
		for _, block := range parsed.Content {
			if block.Type == "text" && block.Text != "" {
				text = block.Text
				return false, nil
			}
		}
		return false, fmt.Errorf("evaluation response has no text content")
	})
	if err != nil {
		return nil, err
	}

	return parseScore(text)
}

// parseScore extracts the first JSON object from the grader's reply.
// Models occasionally wrap the object in prose or code fences.
func parseScore(text string) (*Score, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in evaluation text")
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var score Score
	if err := dec.Decode(&score); err != nil {
		return nil, fmt.Errorf("decode evaluation JSON: %w", err)
	}
	if score.EmpathyScore < 1 || score.EmpathyScore > 5 {
		return nil, fmt.Errorf("empathy_score %d out of range", score.EmpathyScore)
	}
	if score.RealismFlag != "realistic" && score.RealismFlag != "unrealistic" {
		return nil, fmt.Errorf("unexpected realism_flag %q", score.RealismFlag)
	}
	return &score, nil
}
