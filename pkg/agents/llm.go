package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/synaptica-ai/medshield/pkg/common/httpclient"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Retries int

	// Client credentials; when TokenURL is set the bearer token is fetched
	// and refreshed through OAuth2 instead of using APIKey.
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// LLMClient talks to an OpenAI-compatible chat completions endpoint.
type LLMClient struct {
	cfg        LLMConfig
	httpClient *http.Client
}

func NewLLMClient(cfg LLMConfig) *LLMClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := httpclient.New(cfg.Timeout)

	client := base
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	}

	return &LLMClient{cfg: cfg, httpClient: client}
}

// Enabled reports whether an endpoint is configured at all.
func (c *LLMClient) Enabled() bool {
	return c != nil && c.cfg.BaseURL != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one system+user exchange and returns the first choice.
func (c *LLMClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("llm endpoint not configured")
	}

	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages, Temperature: 0.1})
	if err != nil {
		return "", err
	}

	var content string
	attempts := c.cfg.Retries + 1
	err = httpclient.Retry(ctx, attempts, 200*time.Millisecond, func() error {
		var callErr error
		content, callErr = c.do(ctx, payload)
		return callErr
	})
	if err != nil {
		logger.Log.WithError(err).WithField("model", c.cfg.Model).Warn("LLM call failed")
		return "", err
	}
	return content, nil
}

func (c *LLMClient) do(ctx context.Context, payload []byte) (string, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.TokenURL == "" && c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httpclient.StatusError{StatusCode: resp.StatusCode}
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrUnparsableResponse)
	}
	return result.Choices[0].Message.Content, nil
}

// CompleteJSON asks for a JSON object and decodes the first one found in the
// reply into out. Models often wrap JSON in prose or code fences.
func (c *LLMClient) CompleteJSON(ctx context.Context, system, prompt string, out interface{}) error {
	content, err := c.Complete(ctx, system, prompt)
	if err != nil {
		return err
	}
	obj, ok := extractJSONObject(content)
	if !ok {
		return ErrUnparsableResponse
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
	}
	return nil
}

func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
