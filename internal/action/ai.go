package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pitabwire/autoflow/internal/observability"
)

// AIRequest is a prompt sent to the language model collaborator.
type AIRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	System string `json:"system,omitempty"`
}

// AIResponse is the model's reply.
type AIResponse struct {
	Text  string
	Model string
}

// AIClient is the boundary to an external language model.
type AIClient interface {
	Complete(ctx context.Context, req AIRequest) (AIResponse, error)
}

// HTTPAIClient calls a JSON completion endpoint. The endpoint receives
// {"model","prompt","system"} and answers with one of "response", "text",
// "output" or "content".
type HTTPAIClient struct {
	endpoint     string
	apiKey       string
	defaultModel string
	client       *http.Client
}

// NewHTTPAIClient creates a client for endpoint. An empty apiKey sends no
// Authorization header.
func NewHTTPAIClient(endpoint, apiKey, defaultModel string, client *http.Client) *HTTPAIClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAIClient{
		endpoint:     endpoint,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		client:       client,
	}
}

// Complete sends the prompt and returns the model's text.
func (c *HTTPAIClient) Complete(ctx context.Context, req AIRequest) (AIResponse, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return AIResponse{}, fmt.Errorf("encoding ai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return AIResponse{}, fmt.Errorf("building ai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return AIResponse{}, fmt.Errorf("calling ai endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return AIResponse{}, fmt.Errorf("reading ai response: %w", err)
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("ai endpoint returned %d", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return AIResponse{}, Permanent(err)
		}
		return AIResponse{}, err
	}

	var body struct {
		Response string `json:"response"`
		Text     string `json:"text"`
		Output   string `json:"output"`
		Content  string `json:"content"`
		Model    string `json:"model"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return AIResponse{}, fmt.Errorf("decoding ai response: %w", err)
	}

	out := AIResponse{Model: body.Model}
	if out.Model == "" {
		out.Model = req.Model
	}
	for _, s := range []string{body.Response, body.Text, body.Output, body.Content} {
		if s != "" {
			out.Text = s
			break
		}
	}
	return out, nil
}
