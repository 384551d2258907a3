package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talkform/talkform/model"
)

// Client implements a session's collaborators (SchemaStore, TokenSource,
// Sink) over the talkform REST API, so a headless Go client can drive a
// voice interview against a running server.
type Client struct {
	BaseURL string
	FormID  int
	Token   string

	HTTPClient *http.Client
}

func NewClient(baseURL string, formID int, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		FormID:     formID,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewSession resolves the form schema and builds a session wired to this
// client and the OpenAI realtime dialer.
func (c *Client) NewSession(ctx context.Context, opts Options) (*Session, error) {
	fields, err := c.Schema(ctx, c.FormID, c.Token)
	if err != nil {
		return nil, err
	}
	deps := Deps{
		Tokens: c,
		Dialer: &OpenAIDialer{},
		Sink:   c,
	}
	return NewSession(c.FormID, c.Token, fields, deps, opts), nil
}

func (c *Client) Schema(ctx context.Context, formID int, token string) ([]model.FormField, error) {
	url := fmt.Sprintf("%s/api/forms/%d?token=%s", c.BaseURL, formID, token)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("form %d not found or token invalid", formID)
	case http.StatusGone:
		return nil, fmt.Errorf("form %d token expired", formID)
	default:
		return nil, fmt.Errorf("get form %d: status %d", formID, resp.StatusCode)
	}

	var form model.Form
	if err := json.NewDecoder(resp.Body).Decode(&form); err != nil {
		return nil, fmt.Errorf("decode form %d: %w", formID, err)
	}
	return form.Fields, nil
}

func (c *Client) EphemeralToken(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"formId": c.FormID,
		"token":  c.Token,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/realtime/token", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mint realtime token: status %d", resp.StatusCode)
	}

	var secret struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&secret); err != nil {
		return "", fmt.Errorf("decode realtime token: %w", err)
	}
	if secret.Value == "" {
		return "", fmt.Errorf("mint realtime token: empty secret")
	}
	return secret.Value, nil
}

func (c *Client) Submit(ctx context.Context, formID int, token string, data model.Submission) (int, error) {
	payload, err := json.Marshal(map[string]any{
		"token": token,
		"data":  data,
	})
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/api/forms/%d/submissions", c.BaseURL, formID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("submit form %d: status %d: %s", formID, resp.StatusCode, detail)
	}

	var result struct {
		SubmissionID int `json:"submissionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode submission response: %w", err)
	}
	return result.SubmissionID, nil
}
