// ABOUTME: HTTP client for the gateway's one-shot tool invocation surface
// ABOUTME: Wraps sessions_history, sessions_list, sessions_send, and channel message delivery

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/clawboard/internal/protocol"
)

// ToolsClient calls the gateway's tools/invoke endpoint. Each call is a
// single request/response pair, independent of any streaming session.
type ToolsClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewToolsClient creates a tools client for the given gateway base URL.
func NewToolsClient(baseURL, token string) *ToolsClient {
	return &ToolsClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  slog.Default().With("component", "tools"),
	}
}

// HistoryMessage is one message from a sessions_history result.
type HistoryMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt int64           `json:"createdAt"`
}

// Text extracts the message text: either a plain string content or the first
// text part of a structured content array.
func (m HistoryMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return plain
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		for _, part := range parts {
			if part.Type == "text" {
				return part.Text
			}
		}
	}
	return ""
}

// invokeResult is the envelope of a tools/invoke response. Results appear
// either directly under result or nested under result.details depending on
// the tool.
type invokeResult struct {
	Result struct {
		Messages []HistoryMessage          `json:"messages"`
		Sessions []protocol.SessionSummary `json:"sessions"`
		Details  struct {
			Messages []HistoryMessage          `json:"messages"`
			Sessions []protocol.SessionSummary `json:"sessions"`
		} `json:"details"`
	} `json:"result"`
}

// invoke posts one tool invocation and returns the raw response body.
func (t *ToolsClient) invoke(ctx context.Context, tool string, args any) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"tool":   tool,
		"action": "json",
		"args":   args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s invocation: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoking %s: %w", tool, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", tool, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d: %s", tool, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// SessionsHistory fetches up to limit recent messages for a session.
func (t *ToolsClient) SessionsHistory(ctx context.Context, sessionKey string, limit int, includeTools bool) ([]HistoryMessage, error) {
	data, err := t.invoke(ctx, "sessions_history", map[string]any{
		"sessionKey":   sessionKey,
		"limit":        limit,
		"includeTools": includeTools,
	})
	if err != nil {
		return nil, err
	}

	var parsed invokeResult
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing sessions_history response: %w", err)
	}
	if len(parsed.Result.Messages) > 0 {
		return parsed.Result.Messages, nil
	}
	return parsed.Result.Details.Messages, nil
}

// LastMessage fetches the single most recent message of a session and
// returns its role and text. Used by the reconciler for enrichment.
func (t *ToolsClient) LastMessage(ctx context.Context, sessionKey string) (role, text string, err error) {
	messages, err := t.SessionsHistory(ctx, sessionKey, 1, false)
	if err != nil {
		return "", "", err
	}
	if len(messages) == 0 {
		return "", "", nil
	}
	return messages[0].Role, messages[0].Text(), nil
}

// SessionsList fetches session summaries over HTTP. This is the fallback
// path when the streaming handshake cannot complete in time.
func (t *ToolsClient) SessionsList(ctx context.Context) ([]protocol.SessionSummary, error) {
	data, err := t.invoke(ctx, "sessions_list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var parsed invokeResult
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing sessions_list response: %w", err)
	}
	if len(parsed.Result.Sessions) > 0 {
		return parsed.Result.Sessions, nil
	}
	return parsed.Result.Details.Sessions, nil
}

// SessionsSend delivers a message into a session.
func (t *ToolsClient) SessionsSend(ctx context.Context, sessionKey, message string) (json.RawMessage, error) {
	return t.invoke(ctx, "sessions_send", map[string]any{
		"sessionKey": sessionKey,
		"message":    message,
	})
}

// MessageSend delivers a message over an outbound channel (e.g. telegram)
// instead of into the session transcript.
func (t *ToolsClient) MessageSend(ctx context.Context, channel, target, accountID, message string) (json.RawMessage, error) {
	args := map[string]any{
		"action":  "send",
		"channel": channel,
		"target":  target,
		"message": message,
	}
	if accountID != "" {
		args["accountId"] = accountID
	}
	return t.invoke(ctx, "message", args)
}
