package ari

// Event type names delivered on the Stasis WebSocket.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventChannelDtmfReceived = "ChannelDtmfReceived"
	EventChannelDestroyed    = "ChannelDestroyed"
	EventChannelStateChange  = "ChannelStateChange"
	EventPlaybackStarted     = "PlaybackStarted"
	EventPlaybackFinished    = "PlaybackFinished"
)

// Channel is the ARI channel resource.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`

	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`

	Dialplan struct {
		Context  string `json:"context"`
		Exten    string `json:"exten"`
		Priority int64  `json:"priority"`
	} `json:"dialplan"`
}

// Bridge is the ARI bridge resource.
type Bridge struct {
	ID         string   `json:"id"`
	Technology string   `json:"technology"`
	BridgeType string   `json:"bridge_type"`
	Channels   []string `json:"channels"`
}

// Playback is the ARI playback resource.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
	State    string `json:"state"`
}

// Event is the decoded superset of the Stasis events the agent handles.
// Fields not present on a given event type stay at their zero value.
type Event struct {
	Type        string   `json:"type"`
	Application string   `json:"application"`
	Timestamp   string   `json:"timestamp"`
	Args        []string `json:"args"`

	Channel  *Channel  `json:"channel"`
	Playback *Playback `json:"playback"`

	// ChannelDtmfReceived
	Digit      string  `json:"digit"`
	DurationMs float64 `json:"duration_ms"`
}
