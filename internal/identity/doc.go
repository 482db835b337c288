// Package identity manages the persistent Ed25519 device identity used to
// authenticate this client to the gateway across reconnects. The identity is
// a keypair plus a fingerprint derived from the raw public key; it is created
// once per installation and never rotated automatically.
package identity
