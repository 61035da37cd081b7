package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"talos/internal/logger"
)

// ChatClient talks to any OpenAI-compatible chat-completions endpoint
// (OpenAI, DeepSeek, Qwen, local gateways).
type ChatClient struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	// MaxRetries bounds retry on 429/5xx; 0 means the default of 2.
	MaxRetries int

	httpClient *http.Client
}

func NewChatClient(baseURL, apiKey, model string, timeout time.Duration) *ChatClient {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &ChatClient{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.5,
		Timeout:     timeout,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *ChatClient) ID() string {
	return c.Model
}

func (c *ChatClient) Call(ctx context.Context, p Prompt) (string, error) {
	url := c.endpoint()
	messages := make([]map[string]string, 0, 2)
	if p.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": p.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": p.User})
	body, err := json.Marshal(map[string]any{
		"model":       c.Model,
		"messages":    messages,
		"temperature": c.Temperature,
	})
	if err != nil {
		return "", err
	}

	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		out, retryAfter, err := c.doOnce(ctx, url, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if retryAfter < 0 || attempt == maxRetries {
			break
		}
		if retryAfter == 0 {
			retryAfter = time.Duration(attempt+1) * 2 * time.Second
		}
		logger.Warnf("oracle: %s call failed (attempt %d/%d): %v, retrying in %s",
			c.Model, attempt+1, maxRetries+1, err, retryAfter)
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// doOnce performs one request. retryAfter < 0 marks the error as
// non-retryable.
func (c *ChatClient) doOnce(ctx context.Context, url string, body []byte) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", -1, ctx.Err()
		}
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		var r struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&r); derr != nil {
			return "", -1, derr
		}
		if len(r.Choices) == 0 {
			return "", -1, fmt.Errorf("oracle: empty choices")
		}
		return r.Choices[0].Message.Content, 0, nil
	}

	var eresp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eresp)
	msg := strings.TrimSpace(eresp.Error.Message)
	if msg == "" {
		msg = resp.Status
	}
	err = fmt.Errorf("oracle: %s returned %d: %s", c.Model, resp.StatusCode, msg)
	switch resp.StatusCode {
	case http.StatusTooManyRequests, 500, 502, 503, 504:
		wait := time.Duration(0)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return "", wait, err
	default:
		return "", -1, err
	}
}

func (c *ChatClient) endpoint() string {
	url := strings.TrimSpace(c.BaseURL)
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	url = strings.TrimRight(url, "/")
	// Tolerate configs that already carry the full path.
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

func (c *ChatClient) client() *http.Client {
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.Timeout}
	}
	return c.httpClient
}
