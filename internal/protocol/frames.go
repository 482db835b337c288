// ABOUTME: Wire frame types for the gateway streaming protocol
// ABOUTME: Defensive parsing of inbound req/res/event frames

package protocol

import "encoding/json"

// Frame types on the wire.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Well-known event and method names.
const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"

	MethodConnect      = "connect"
	MethodSessionsList = "sessions.list"
)

// Frame is a single protocol frame. Exactly one of the request, response, or
// event shapes is populated depending on Type.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Challenge is the payload of a connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// resPayloadType is used to discriminate response payloads.
type resPayloadType struct {
	Type string `json:"type"`
}

// ParseFrame decodes an inbound frame. Malformed JSON and frames without a
// recognized type discriminator report ok=false; the caller drops them
// silently so a bad frame can never take the connection down.
func ParseFrame(data []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, false
	}
	switch f.Type {
	case FrameRequest, FrameResponse:
	case FrameEvent:
		if f.Event == "" {
			return Frame{}, false
		}
	default:
		return Frame{}, false
	}
	return f, true
}

// ChallengePayload extracts the challenge from a connect.challenge event
// frame. A missing or malformed payload yields a zero challenge, which the
// handshake treats as "no nonce" (v1 signing).
func (f Frame) ChallengePayload() Challenge {
	var c Challenge
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &c)
	}
	return c
}

// IsHelloOK reports whether the frame is a successful connect response.
func (f Frame) IsHelloOK() bool {
	if f.Type != FrameResponse || !f.OK {
		return false
	}
	var p resPayloadType
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return false
	}
	return p.Type == "hello-ok"
}

// SessionsPayload extracts session summaries from a sessions.list response.
// The second return is false when the frame is not a successful sessions
// response.
func (f Frame) SessionsPayload() ([]SessionSummary, bool) {
	if f.Type != FrameResponse || !f.OK || len(f.Payload) == 0 {
		return nil, false
	}
	var p struct {
		Sessions *[]SessionSummary `json:"sessions"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.Sessions == nil {
		return nil, false
	}
	return *p.Sessions, true
}

// NewSessionsListRequest builds a sessions.list request frame.
func NewSessionsListRequest(id string) Frame {
	params, _ := json.Marshal(map[string]any{
		"includeGlobal":  true,
		"includeUnknown": false,
		"limit":          200,
	})
	return Frame{
		Type:   FrameRequest,
		ID:     id,
		Method: MethodSessionsList,
		Params: params,
	}
}
