package gateway

import (
	"crypto/sha256"
	"encoding/hex"
)

// Identity distinguishes one agent connection from every other. It is not a
// credential.
type Identity string

// Metadata is what the transport knows about a connecting agent.
type Metadata struct {
	// ConnectionID is unique per underlying connection (the MCP session id).
	ConnectionID string
	ClientName   string
	Origin       string
}

// DeriveIdentity hashes md into a stable key. Equal metadata always yields the
// same identity; a different connection id always yields a different one.
func DeriveIdentity(md Metadata) Identity {
	h := sha256.New()
	for _, part := range []string{md.ConnectionID, md.ClientName, md.Origin} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return Identity(hex.EncodeToString(h.Sum(nil)))
}

// Short returns a log-friendly prefix of the identity.
func (id Identity) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}
