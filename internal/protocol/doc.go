// Package protocol defines the JSON frame types exchanged with the gateway
// over its streaming transport, the signed connect handshake, and the
// canonical session summary model.
//
// The signing payload and base64url encodings are a bit-for-bit contract
// with the gateway's signature verification; field order and joiners must
// never change.
package protocol
