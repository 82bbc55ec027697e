// Package assistant asks an OpenAI-compatible chat completion API to explain
// errors and to continue code.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	completionMaxTokens   = 40
	completionTemperature = 0.4
)

var (
	ErrNotConfigured = errors.New("assistant API key not configured")
	ErrEmptyResponse = errors.New("empty completion response")
)

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(apiKey, baseURL, model string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Explanation is returned as both fields; the editor shows either
type Explanation struct {
	Explanation string `json:"explanation"`
	Fix         string `json:"fix"`
}

// ExplainError asks for a plain-language explanation of err raised at line
func (c *Client) ExplainError(ctx context.Context, errText, line, code string) (*Explanation, error) {
	prompt := fmt.Sprintf(`The following code produced this error:

ERROR: %s
LINE: %s

CODE:
%s

Explain in simple words:
1. Why the error happened
2. What line caused it
3. How to fix it`, errText, line, code)

	reply, err := c.chat(ctx, ChatRequest{
		Model:    c.model,
		Messages: []ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	return &Explanation{Explanation: reply, Fix: reply}, nil
}

// Complete suggests a short continuation of code. Blank code yields an empty
// suggestion without calling the API.
func (c *Client) Complete(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", nil
	}

	temperature := completionTemperature
	reply, err := c.chat(ctx, ChatRequest{
		Model:       c.model,
		Messages:    []ChatMessage{{Role: "user", Content: "Continue:\n" + code}},
		MaxTokens:   completionMaxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (c *Client) chat(ctx context.Context, chatReq ChatRequest) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("chat request: status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("parse response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if chatResp.Error != nil && chatResp.Error.Message != "" {
			return "", fmt.Errorf("chat request: status %d: %s", resp.StatusCode, chatResp.Error.Message)
		}
		return "", fmt.Errorf("chat request: status %d", resp.StatusCode)
	}

	if len(chatResp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return chatResp.Choices[0].Message.Content, nil
}
