// Package messaging holds the outbound notification contracts: the
// broadcast channel, the code-action runtime and the agent webhook.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// TemplateMessage is a channel template broadcast: one approved template
// rendered with variables and sent to the listed URNs.
type TemplateMessage struct {
	URNs        []string          `json:"urns"`
	ChannelUUID string            `json:"channel"`
	Template    TemplateRef       `json:"template"`
	Buttons     []TemplateButton  `json:"buttons,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type TemplateRef struct {
	Name      string   `json:"name"`
	Variables []string `json:"variables"`
	Locale    string   `json:"locale,omitempty"`
}

type TemplateButton struct {
	SubType string `json:"sub_type"`
	URL     string `json:"url,omitempty"`
}

// BroadcastSender delivers template messages through the broadcast API.
type BroadcastSender interface {
	SendWhatsAppBroadcast(ctx context.Context, message TemplateMessage) error
}

// CodeActionRunner executes a registered code action with a message
// payload plus free-form extra context.
type CodeActionRunner interface {
	RunAction(ctx context.Context, actionID string, message TemplateMessage, extra map[string]interface{}) error
}

// AgentWebhookInvoker hands a payload to a tenant's integrated agent.
type AgentWebhookInvoker interface {
	Invoke(ctx context.Context, agentUUID string, payload map[string]interface{}) error
}

// HTTPBroadcastSender posts broadcasts to the flows API. Responses are
// logged and never block the caller's status transition.
type HTTPBroadcastSender struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPBroadcastSender(baseURL, token string, timeout time.Duration) *HTTPBroadcastSender {
	return &HTTPBroadcastSender{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPBroadcastSender) SendWhatsAppBroadcast(ctx context.Context, message TemplateMessage) error {
	endpoint := fmt.Sprintf("%s/api/v2/internals/whatsapp_broadcasts", s.baseURL)

	body, err := postJSON(ctx, s.httpClient, endpoint, s.token, message)
	if err != nil {
		return fmt.Errorf("broadcast request failed: %w", err)
	}

	log.Printf("Broadcast accepted for channel %s: %s", message.ChannelUUID, body)
	return nil
}

// HTTPCodeActionRunner runs registered actions through the code-actions
// service endpoint.
type HTTPCodeActionRunner struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPCodeActionRunner(baseURL, token string, timeout time.Duration) *HTTPCodeActionRunner {
	return &HTTPCodeActionRunner{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPCodeActionRunner) RunAction(ctx context.Context, actionID string, message TemplateMessage, extra map[string]interface{}) error {
	endpoint := fmt.Sprintf("%s/action/endpoint/%s", r.baseURL, actionID)

	payload := map[string]interface{}{
		"message_payload": message,
	}
	for k, v := range extra {
		payload[k] = v
	}

	if _, err := postJSON(ctx, r.httpClient, endpoint, r.token, payload); err != nil {
		return fmt.Errorf("code action %s failed: %w", actionID, err)
	}
	return nil
}

// HTTPAgentWebhookInvoker posts payloads to the agent runtime webhook.
type HTTPAgentWebhookInvoker struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPAgentWebhookInvoker(baseURL, token string, timeout time.Duration) *HTTPAgentWebhookInvoker {
	return &HTTPAgentWebhookInvoker{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (i *HTTPAgentWebhookInvoker) Invoke(ctx context.Context, agentUUID string, payload map[string]interface{}) error {
	endpoint := fmt.Sprintf("%s/webhook/%s", i.baseURL, agentUUID)

	if _, err := postJSON(ctx, i.httpClient, endpoint, i.token, payload); err != nil {
		return fmt.Errorf("agent webhook %s failed: %w", agentUUID, err)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint, token string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request returned status %d: %s", resp.StatusCode, respBody)
	}

	return respBody, nil
}
