// Package routing maps session keys to agents.
//
// Bindings are declarative rules with a priority class. The resolver walks
// enabled bindings from the highest priority down and picks the first one
// whose filters all agree with the key:
//
//	peer(100) > peer_parent(90) > guild(80) > team(70) > account(60) > channel(50) > default(10)
//
// When nothing matches, the configured default agent is used so every
// message still reaches an assistant.
package routing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// ErrInvalidBinding is returned by Validate for bindings that must not
// enter a RouteConfig.
var ErrInvalidBinding = errors.New("invalid binding")

// BindingType is the priority class of a binding.
type BindingType string

const (
	BindingPeer       BindingType = "peer"
	BindingPeerParent BindingType = "peer_parent"
	BindingGuild      BindingType = "guild"
	BindingTeam       BindingType = "team"
	BindingAccount    BindingType = "account"
	BindingChannel    BindingType = "channel"
	BindingDefault    BindingType = "default"
)

// Priority values per binding type. Higher wins.
const (
	PriorityPeer       = 100
	PriorityPeerParent = 90
	PriorityGuild      = 80
	PriorityTeam       = 70
	PriorityAccount    = 60
	PriorityChannel    = 50
	PriorityDefault    = 10
	PriorityFallback   = 0
)

var bindingPriorities = map[BindingType]int{
	BindingPeer:       PriorityPeer,
	BindingPeerParent: PriorityPeerParent,
	BindingGuild:      PriorityGuild,
	BindingTeam:       PriorityTeam,
	BindingAccount:    PriorityAccount,
	BindingChannel:    PriorityChannel,
	BindingDefault:    PriorityDefault,
}

// ParseBindingType validates a binding type token.
func ParseBindingType(s string) (BindingType, error) {
	t := BindingType(strings.ToLower(s))
	if _, ok := bindingPriorities[t]; !ok {
		return "", fmt.Errorf("%w: unknown binding type %q", ErrInvalidBinding, s)
	}
	return t, nil
}

// Priority returns the fixed priority of the type, or PriorityFallback
// for unknown types.
func (t BindingType) Priority() int {
	return bindingPriorities[t]
}

// AgentBinding is a routing rule. Nil filter pointers mean "any".
type AgentBinding struct {
	ID          string             `json:"id"`
	Type        BindingType        `json:"bindingType"`
	Priority    int                `json:"priority"`
	AgentID     string             `json:"agentId"`
	Platform    *string            `json:"platform,omitempty"`
	AccountID   *string            `json:"accountId,omitempty"`
	PeerKind    *sessions.PeerKind `json:"peerKind,omitempty"`
	PeerPattern *string            `json:"peerPattern,omitempty"`
	Enabled     bool               `json:"enabled"`
	Description string             `json:"description,omitempty"`
	CreatedAt   int64              `json:"createdAt"`
	UpdatedAt   int64              `json:"updatedAt"`
}

// NewBinding returns an enabled binding of the given type with a fresh id
// and the type's priority.
func NewBinding(t BindingType, agentID string) AgentBinding {
	now := time.Now().UnixMilli()
	return AgentBinding{
		ID:        uuid.NewString(),
		Type:      t,
		Priority:  t.Priority(),
		AgentID:   agentID,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DefaultBinding catches every key.
func DefaultBinding(agentID string) AgentBinding {
	b := NewBinding(BindingDefault, agentID)
	b.ID = "default"
	b.Description = "Default agent binding"
	return b
}

// PeerBinding routes direct messages from one user on one platform.
func PeerBinding(agentID, platform, userID string) AgentBinding {
	b := NewBinding(BindingPeer, agentID)
	b.Platform = strPtr(platform)
	b.PeerKind = kindPtr(sessions.PeerDM)
	b.PeerPattern = strPtr(userID)
	return b
}

// GuildBinding routes a whole Discord guild.
func GuildBinding(agentID, guildID string) AgentBinding {
	b := NewBinding(BindingGuild, agentID)
	b.Platform = strPtr("discord")
	b.PeerKind = kindPtr(sessions.PeerGuild)
	b.PeerPattern = strPtr(guildID)
	return b
}

// ChannelBinding routes one channel on one platform.
func ChannelBinding(agentID, platform, channelID string) AgentBinding {
	b := NewBinding(BindingChannel, agentID)
	b.Platform = strPtr(platform)
	b.PeerKind = kindPtr(sessions.PeerChannel)
	b.PeerPattern = strPtr(channelID)
	return b
}

// Validate rejects bindings that would make resolution ambiguous or
// unreachable.
func (b AgentBinding) Validate() error {
	switch {
	case b.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidBinding)
	case b.AgentID == "":
		return fmt.Errorf("%w: agent id is required (binding %s)", ErrInvalidBinding, b.ID)
	}
	if _, ok := bindingPriorities[b.Type]; !ok {
		return fmt.Errorf("%w: unknown binding type %q (binding %s)", ErrInvalidBinding, b.Type, b.ID)
	}
	if b.PeerKind != nil && *b.PeerKind == sessions.PeerUnknown {
		return fmt.Errorf("%w: peer kind filter cannot be %q (binding %s)", ErrInvalidBinding, sessions.PeerUnknown, b.ID)
	}
	return nil
}

// Matches reports whether every present filter agrees with key.
// Disabled bindings never match.
func (b AgentBinding) Matches(key sessions.SessionKey) bool {
	if !b.Enabled {
		return false
	}
	if b.Platform != nil && *b.Platform != key.Platform {
		return false
	}
	if b.AccountID != nil && *b.AccountID != key.AccountID {
		return false
	}
	if b.PeerKind != nil && *b.PeerKind != key.PeerKind {
		return false
	}
	if b.PeerPattern != nil && !matchPattern(*b.PeerPattern, key.PeerID) {
		return false
	}
	return true
}

// Confidence scores how specific the binding is.
func (b AgentBinding) Confidence() float64 {
	c := 0.0
	if b.Platform != nil {
		c += 0.1
	}
	if b.AccountID != nil {
		c += 0.1
	}
	if b.PeerKind != nil {
		c += 0.2
	}
	if b.PeerPattern != nil && *b.PeerPattern != "*" {
		c += 0.6
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

// matchPattern supports "*", "prefix*", "*suffix" and exact values.
func matchPattern(pattern, value string) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == value:
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

func strPtr(s string) *string { return &s }

func kindPtr(k sessions.PeerKind) *sessions.PeerKind { return &k }
