// ABOUTME: Canonical session summary model with identifier normalization
// ABOUTME: Collapses the gateway's aliased session key fields at the ingestion boundary

package protocol

import "encoding/json"

// SessionSummary is the canonical view of one gateway session. The gateway
// emits the session identifier under several aliases; UnmarshalJSON collapses
// them into Key so the ambiguity never travels past this boundary.
type SessionSummary struct {
	Key           string `json:"key"`
	DisplayName   string `json:"displayName,omitempty"`
	Model         string `json:"model,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"`
	TotalTokens   *int64 `json:"totalTokens,omitempty"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastRole      string `json:"lastRole,omitempty"`
}

// sessionSummaryWire mirrors SessionSummary plus every identifier alias the
// gateway is known to emit.
type sessionSummaryWire struct {
	Key           string `json:"key"`
	SessionKey    string `json:"sessionKey"`
	SessionIDSnek string `json:"session_id"`
	ID            string `json:"id"`
	SessionID     string `json:"sessionId"`
	DisplayName   string `json:"displayName"`
	Model         string `json:"model"`
	ModelProvider string `json:"modelProvider"`
	UpdatedAt     int64  `json:"updatedAt"`
	TotalTokens   *int64 `json:"totalTokens"`
	LastMessage   string `json:"lastMessage"`
	LastRole      string `json:"lastRole"`
}

// UnmarshalJSON normalizes the aliased identifier fields, taking the first
// present of key, sessionKey, session_id, id, sessionId.
func (s *SessionSummary) UnmarshalJSON(data []byte) error {
	var w sessionSummaryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = SessionSummary{
		Key:           firstNonEmpty(w.Key, w.SessionKey, w.SessionIDSnek, w.ID, w.SessionID),
		DisplayName:   w.DisplayName,
		Model:         w.Model,
		ModelProvider: w.ModelProvider,
		UpdatedAt:     w.UpdatedAt,
		TotalTokens:   w.TotalTokens,
		LastMessage:   w.LastMessage,
		LastRole:      w.LastRole,
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
