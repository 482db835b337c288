// ABOUTME: Signed connect handshake for the gateway streaming protocol
// ABOUTME: Canonical pipe-delimited signing payload, Ed25519 signature, connect frame assembly

package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawboard/internal/identity"
)

// Protocol version bounds advertised in the connect request.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// ConnectOptions describe the client requesting the connection.
type ConnectOptions struct {
	ClientID    string
	ClientMode  string
	DisplayName string
	Role        string
	Scopes      []string
	Token       string
	Version     string
}

// ConnectAuth carries every field that participates in the signing payload.
type ConnectAuth struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// SigningPayload builds the deterministic pipe-delimited string the device
// signature covers. With a nonce the payload is version v2 and the nonce is
// appended; without one it is v1 and the nonce field is omitted entirely.
// Field order and the joiner are fixed by the gateway's verifier.
func (a ConnectAuth) SigningPayload() string {
	version := "v1"
	if a.Nonce != "" {
		version = "v2"
	}
	fields := []string{
		version,
		a.DeviceID,
		a.ClientID,
		a.ClientMode,
		a.Role,
		strings.Join(a.Scopes, ","),
		strconv.FormatInt(a.SignedAtMs, 10),
		a.Token,
	}
	if version == "v2" {
		fields = append(fields, a.Nonce)
	}
	return strings.Join(fields, "|")
}

// ConnectParams is the params object of a connect request.
type ConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      ClientInfo     `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
	Commands    []string       `json:"commands"`
	Permissions map[string]any `json:"permissions"`
	Auth        AuthParams     `json:"auth"`
	Locale      string         `json:"locale"`
	UserAgent   string         `json:"userAgent"`
	Device      DeviceParams   `json:"device"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// AuthParams carries the bearer token.
type AuthParams struct {
	Token string `json:"token"`
}

// DeviceParams is the signed device block of a connect request.
type DeviceParams struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// BuildConnectRequest assembles and signs the connect request for one
// connection attempt. The challenge may be nil (v1 signing, empty nonce).
// It must be invoked exactly once per connection, in response to a
// connect.challenge event; the caller owns that contract.
//
// The signature timestamp is the time of signing, never the challenge's ts.
func BuildConnectRequest(id *identity.Identity, challenge *Challenge, opts ConnectOptions) (Frame, error) {
	if opts.Token == "" {
		return Frame{}, fmt.Errorf("connect requires a gateway token")
	}

	nonce := ""
	if challenge != nil {
		nonce = challenge.Nonce
	}
	signedAt := time.Now().UnixMilli()

	auth := ConnectAuth{
		DeviceID:   id.DeviceID,
		ClientID:   opts.ClientID,
		ClientMode: opts.ClientMode,
		Role:       opts.Role,
		Scopes:     opts.Scopes,
		SignedAtMs: signedAt,
		Token:      opts.Token,
		Nonce:      nonce,
	}
	signature := ed25519.Sign(id.Private, []byte(auth.SigningPayload()))

	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	params := ConnectParams{
		MinProtocol: MinProtocol,
		MaxProtocol: MaxProtocol,
		Client: ClientInfo{
			ID:          opts.ClientID,
			DisplayName: opts.DisplayName,
			Version:     version,
			Platform:    "go",
			Mode:        opts.ClientMode,
		},
		Role:        opts.Role,
		Scopes:      opts.Scopes,
		Caps:        []string{},
		Commands:    []string{},
		Permissions: map[string]any{},
		Auth:        AuthParams{Token: opts.Token},
		Locale:      "en-US",
		UserAgent:   opts.ClientID + "/" + version,
		Device: DeviceParams{
			ID:        id.DeviceID,
			PublicKey: base64.RawURLEncoding.EncodeToString(id.Public),
			Signature: base64.RawURLEncoding.EncodeToString(signature),
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("marshaling connect params: %w", err)
	}

	return Frame{
		Type:   FrameRequest,
		ID:     uuid.New().String(),
		Method: MethodConnect,
		Params: raw,
	}, nil
}
