package sessions

import (
	"errors"
	"fmt"
)

// DefaultAccountID is used when a builder is not given an account.
const DefaultAccountID = "default"

// Builder assembles a SessionKey field by field.
type Builder struct {
	agentID   string
	platform  string
	accountID string
	peerKind  PeerKind
	peerID    string
}

// NewBuilder returns a builder with the default account and an unknown peer kind.
func NewBuilder() *Builder {
	return &Builder{accountID: DefaultAccountID, peerKind: PeerUnknown}
}

func (b *Builder) Agent(id string) *Builder     { b.agentID = id; return b }
func (b *Builder) Platform(p string) *Builder   { b.platform = p; return b }
func (b *Builder) Account(id string) *Builder   { b.accountID = id; return b }
func (b *Builder) PeerKind(k PeerKind) *Builder { b.peerKind = k; return b }
func (b *Builder) PeerID(id string) *Builder    { b.peerID = id; return b }

// Peer sets kind and id together.
func (b *Builder) Peer(kind PeerKind, id string) *Builder {
	b.peerKind = kind
	b.peerID = id
	return b
}

// Build returns the key, or an error when a required field is missing or
// the result is not a valid key.
func (b *Builder) Build() (SessionKey, error) {
	switch {
	case b.agentID == "":
		return SessionKey{}, errors.New("session key: agent id is required")
	case b.platform == "":
		return SessionKey{}, errors.New("session key: platform is required")
	case b.peerID == "":
		return SessionKey{}, errors.New("session key: peer id is required")
	}
	key := NewSessionKey(b.agentID, b.platform, b.accountID, b.peerKind, b.peerID)
	if !key.IsValid() {
		return SessionKey{}, fmt.Errorf("session key: invalid key %s", key)
	}
	return key, nil
}
