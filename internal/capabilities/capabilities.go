// Package capabilities negotiates the protocol version, platforms and
// optional features a control-plane client and the gateway agree on.
package capabilities

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Feature names advertised by the server.
const (
	FeatureWebhook          = "webhook"
	FeatureWebSocket        = "websocket"
	FeatureThreadManagement = "thread_management"
	FeatureResponseQueue    = "response_queue"
	FeatureAsyncInference   = "async_inference"
	FeatureStreaming        = "streaming"
	FeatureAgentMode        = "agent_mode"
)

// DefaultMaxMessageSize is 1 MiB.
const DefaultMaxMessageSize = 1 << 20

// DefaultPlatforms are the platforms with built-in plugins.
var DefaultPlatforms = []string{"discord", "slack", "telegram"}

// ClientCapabilities is what a client claims to support.
type ClientCapabilities struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Platforms       []string `json:"platforms"`
	AsyncInference  bool     `json:"asyncInference"`
	Streaming       bool     `json:"streaming"`
	AgentMode       bool     `json:"agentMode"`
	MaxMessageSize  uint64   `json:"maxMessageSize"`
}

// ServerCapabilities is what this gateway instance offers.
type ServerCapabilities struct {
	ProtocolVersion    string   `json:"protocolVersion"`
	AvailablePlatforms []string `json:"availablePlatforms"`
	Features           []string `json:"features"`
	MaxMessageSize     uint64   `json:"maxMessageSize"`
	InstanceID         string   `json:"instanceId"`
	ServerTime         int64    `json:"serverTime"`
}

// HasFeature reports whether the server advertises feature.
func (s ServerCapabilities) HasFeature(feature string) bool {
	return slices.Contains(s.Features, feature)
}

// NegotiationResult is the agreed session capability set.
type NegotiationResult struct {
	Success                 bool     `json:"success"`
	NegotiatedVersion       string   `json:"negotiatedVersion"`
	NegotiatedPlatforms     []string `json:"negotiatedPlatforms"`
	NegotiatedFeatures      []string `json:"negotiatedFeatures"`
	AsyncInferenceAvailable bool     `json:"asyncInferenceAvailable"`
	StreamingAvailable      bool     `json:"streamingAvailable"`
	AgentModeAvailable      bool     `json:"agentModeAvailable"`
	MaxMessageSize          uint64   `json:"maxMessageSize"`
	Error                   string   `json:"error,omitempty"`
}

// DefaultClientCapabilities describes a stock client.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		ProtocolVersion: protocol.ProtocolVersion,
		Platforms:       slices.Clone(DefaultPlatforms),
		AsyncInference:  true,
		MaxMessageSize:  DefaultMaxMessageSize,
	}
}

// DefaultServerCapabilities describes this process with a fresh instance id.
func DefaultServerCapabilities() ServerCapabilities {
	return ServerCapabilities{
		ProtocolVersion:    protocol.ProtocolVersion,
		AvailablePlatforms: slices.Clone(DefaultPlatforms),
		Features: []string{
			FeatureResponseQueue,
			FeatureThreadManagement,
			FeatureWebhook,
			FeatureWebSocket,
		},
		MaxMessageSize: DefaultMaxMessageSize,
		InstanceID:     uuid.NewString(),
		ServerTime:     time.Now().UnixMilli(),
	}
}

// Negotiate intersects client and server capabilities. It fails on a major
// version mismatch or when no platform is shared.
func Negotiate(client ClientCapabilities, server ServerCapabilities) NegotiationResult {
	if !VersionCompatible(client.ProtocolVersion, server.ProtocolVersion) {
		return failure(fmt.Sprintf("Protocol version mismatch: client=%s, server=%s",
			client.ProtocolVersion, server.ProtocolVersion))
	}

	platforms := make([]string, 0, len(client.Platforms))
	for _, p := range client.Platforms {
		if slices.Contains(server.AvailablePlatforms, p) {
			platforms = append(platforms, p)
		}
	}
	if len(platforms) == 0 {
		return failure("No common platforms available")
	}

	res := NegotiationResult{
		Success:                 true,
		NegotiatedVersion:       server.ProtocolVersion,
		NegotiatedPlatforms:     platforms,
		NegotiatedFeatures:      slices.Clone(server.Features),
		AsyncInferenceAvailable: client.AsyncInference && server.HasFeature(FeatureAsyncInference),
		StreamingAvailable:      client.Streaming && server.HasFeature(FeatureStreaming),
		AgentModeAvailable:      client.AgentMode && server.HasFeature(FeatureAgentMode),
		MaxMessageSize:          min(client.MaxMessageSize, server.MaxMessageSize),
	}

	slog.Info("capabilities negotiated",
		"platforms", len(res.NegotiatedPlatforms),
		"features", len(res.NegotiatedFeatures),
		"async", res.AsyncInferenceAvailable,
		"streaming", res.StreamingAvailable,
		"agent_mode", res.AgentModeAvailable,
	)
	return res
}

func failure(msg string) NegotiationResult {
	slog.Warn("capabilities negotiation failed", "error", msg)
	return NegotiationResult{
		NegotiatedPlatforms: []string{},
		NegotiatedFeatures:  []string{},
		Error:               msg,
	}
}

// VersionCompatible reports whether two versions share a major version.
func VersionCompatible(a, b string) bool {
	return MajorVersion(a) == MajorVersion(b)
}

// MajorVersion returns the integer before the first dot, or 0.
func MajorVersion(v string) uint64 {
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return 0
	}
	return n
}
