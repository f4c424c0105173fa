// Package sessions holds the session key model and the thread registry.
//
// A session key addresses one conversation on one platform account:
//
//	agent:{agentId}:{platform}:{accountId}:{peerKind}:{peerId}
//
// Examples:
//
//	agent:default:discord:default:dm:386246614
//	agent:support:slack:T0123:channel:C0456
//	agent:main:telegram:default:supergroup:-100123456
//
// Keys are plain comparable values so they can be used directly as map keys.
package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFormat is returned when a session key string cannot be parsed.
var ErrInvalidFormat = errors.New("invalid session key format")

// PeerKind classifies the conversation a session key points at.
type PeerKind string

const (
	PeerDM         PeerKind = "dm"
	PeerChannel    PeerKind = "channel"
	PeerGroup      PeerKind = "group"
	PeerThread     PeerKind = "thread"
	PeerSupergroup PeerKind = "supergroup"
	PeerGuild      PeerKind = "guild"
	PeerTeam       PeerKind = "team"
	PeerForum      PeerKind = "forum"
	PeerUnknown    PeerKind = "unknown"
)

// peerKindAliases maps lowercase tokens (canonical names and aliases) to kinds.
var peerKindAliases = map[string]PeerKind{
	"dm":          PeerDM,
	"direct":      PeerDM,
	"channel":     PeerChannel,
	"chan":        PeerChannel,
	"group":       PeerGroup,
	"thread":      PeerThread,
	"supergroup":  PeerSupergroup,
	"super_group": PeerSupergroup,
	"guild":       PeerGuild,
	"server":      PeerGuild,
	"team":        PeerTeam,
	"workspace":   PeerTeam,
	"forum":       PeerForum,
}

// ParsePeerKind maps a token to a PeerKind, case-insensitively.
// Unrecognized tokens map to PeerUnknown rather than failing.
func ParsePeerKind(s string) PeerKind {
	if k, ok := peerKindAliases[strings.ToLower(s)]; ok {
		return k
	}
	return PeerUnknown
}

// String returns the canonical token.
func (k PeerKind) String() string { return string(k) }

// IsKnown reports whether k is one of the canonical kinds other than
// PeerUnknown. Case variants such as "DM" are not canonical.
func (k PeerKind) IsKnown() bool {
	switch k {
	case PeerDM, PeerChannel, PeerGroup, PeerThread, PeerSupergroup,
		PeerGuild, PeerTeam, PeerForum:
		return true
	}
	return false
}

// SessionKey identifies a conversation. The zero value is not valid.
type SessionKey struct {
	AgentID   string
	Platform  string
	AccountID string
	PeerKind  PeerKind
	PeerID    string
}

// NewSessionKey builds a key from its parts without validation.
func NewSessionKey(agentID, platform, accountID string, kind PeerKind, peerID string) SessionKey {
	return SessionKey{
		AgentID:   agentID,
		Platform:  platform,
		AccountID: accountID,
		PeerKind:  kind,
		PeerID:    peerID,
	}
}

// ParseSessionKey parses the canonical string form. The leading "agent:"
// prefix is optional; exactly five segments must remain.
func ParseSessionKey(s string) (SessionKey, error) {
	rest := strings.TrimPrefix(s, "agent:")
	parts := strings.Split(rest, ":")
	if len(parts) != 5 {
		return SessionKey{}, fmt.Errorf("%w: %q has %d segments, want 5", ErrInvalidFormat, s, len(parts))
	}
	return SessionKey{
		AgentID:   parts[0],
		Platform:  parts[1],
		AccountID: parts[2],
		PeerKind:  ParsePeerKind(parts[3]),
		PeerID:    parts[4],
	}, nil
}

// String returns agent:{agent}:{platform}:{account}:{kind}:{peer}.
func (k SessionKey) String() string {
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s", k.AgentID, k.Platform, k.AccountID, k.PeerKind, k.PeerID)
}

// IsValid reports whether every field is set and the peer kind is a
// canonical known kind, so that a valid key survives a String/Parse round
// trip unchanged.
func (k SessionKey) IsValid() bool {
	return k.AgentID != "" &&
		k.Platform != "" &&
		k.AccountID != "" &&
		k.PeerID != "" &&
		k.PeerKind.IsKnown()
}

// WithAgent returns a copy of k addressed to agentID.
func (k SessionKey) WithAgent(agentID string) SessionKey {
	k.AgentID = agentID
	return k
}

// DMKey builds the key for a direct conversation with a user.
func DMKey(agentID, platform, userID string) SessionKey {
	return NewSessionKey(agentID, platform, DefaultAccountID, PeerDM, userID)
}

// ChannelKey builds the key for a platform channel.
func ChannelKey(agentID, platform, channelID string) SessionKey {
	return NewSessionKey(agentID, platform, DefaultAccountID, PeerChannel, channelID)
}

// GuildKey builds the key for a Discord guild.
func GuildKey(agentID, guildID string) SessionKey {
	return NewSessionKey(agentID, "discord", DefaultAccountID, PeerGuild, guildID)
}
