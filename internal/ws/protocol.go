package ws

import (
	"encoding/json"
	"strings"
)

// ChannelPrefix namespaces deployment log channels.
const ChannelPrefix = "logs:"

// Frame events.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventMessage     = "message"
	EventError       = "error"
)

// Frame is the JSON envelope exchanged on the live socket.
type Frame struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    string `json:"data,omitempty"`
}

// ChannelName returns the live channel of a deployment.
func ChannelName(deploymentID string) string {
	return ChannelPrefix + deploymentID
}

// DeploymentFromChannel extracts the deployment id of a log channel.
func DeploymentFromChannel(name string) (string, bool) {
	id, ok := strings.CutPrefix(name, ChannelPrefix)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}

// JoinedMessage is sent to a socket right after it joined a channel.
func JoinedMessage(name string) string {
	return "[System] Joined channel: " + name
}

func encodeFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}
