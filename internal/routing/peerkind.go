package routing

import (
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// DerivePeerKind infers the conversation kind from raw platform ids.
//
//	discord:  guild + "thread-" channel → thread, guild → forum, no guild → dm
//	slack:    "D…" → dm, "G…" → group, otherwise channel
//	others:   "-…" → supergroup, "thread-…" → thread, positive integer → dm, otherwise channel
func DerivePeerKind(platform, channelID, _ string, guildID *string) sessions.PeerKind {
	hasGuild := guildID != nil && *guildID != ""

	switch strings.ToLower(platform) {
	case "discord":
		switch {
		case hasGuild && strings.HasPrefix(channelID, "thread-"):
			return sessions.PeerThread
		case hasGuild:
			return sessions.PeerForum
		default:
			return sessions.PeerDM
		}
	case "slack":
		switch {
		case strings.HasPrefix(channelID, "D"):
			return sessions.PeerDM
		case strings.HasPrefix(channelID, "G"):
			return sessions.PeerGroup
		default:
			return sessions.PeerChannel
		}
	default:
		switch {
		case strings.HasPrefix(channelID, "-"):
			return sessions.PeerSupergroup
		case strings.HasPrefix(channelID, "thread-"):
			return sessions.PeerThread
		}
		if n, err := strconv.ParseUint(channelID, 10, 64); err == nil && n > 0 {
			return sessions.PeerDM
		}
		return sessions.PeerChannel
	}
}
