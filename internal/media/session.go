package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/flowpbx/mediabot/internal/workflow"
)

// ErrNoAudioSocket is returned when a media configuration has no audio socket.
var ErrNoAudioSocket = errors.New("media configuration has no audio socket")

// Session is the media capability a call leg is answered or joined with.
// The media stack that created it owns it; a call leg only references it.
type Session interface {
	// Subscriptions returns the notification types the session needs.
	Subscriptions() []workflow.NotificationType
	// MediaConfiguration returns the opaque descriptor embedded in
	// answer and join actions.
	MediaConfiguration() (json.RawMessage, error)
}

// SocketConfig describes one media socket offered to the platform.
type SocketConfig struct {
	SocketID     int    `json:"socketId"`
	Direction    string `json:"direction"` // "sendrecv", "sendonly", "recvonly"
	SupportedFmt string `json:"supportedFormat,omitempty"`
}

// Configuration is the media descriptor of a StaticSession.
type Configuration struct {
	MediaPlatformURL string         `json:"mediaPlatformUrl,omitempty"`
	AudioSocket      *SocketConfig  `json:"audioSocket"`
	VideoSockets     []SocketConfig `json:"videoSockets,omitempty"`
}

// StaticSession is a Session with a fixed configuration, for bots whose
// media endpoint does not change between calls.
type StaticSession struct {
	cfg           Configuration
	subscriptions []workflow.NotificationType
}

// NewStaticSession creates a StaticSession. With no subscriptions given
// the session subscribes to call state changes only.
func NewStaticSession(cfg Configuration, subscriptions ...workflow.NotificationType) (*StaticSession, error) {
	if cfg.AudioSocket == nil {
		return nil, ErrNoAudioSocket
	}
	for _, t := range subscriptions {
		if !t.Known() {
			return nil, fmt.Errorf("unknown notification subscription %q", t)
		}
	}
	if len(subscriptions) == 0 {
		subscriptions = []workflow.NotificationType{workflow.NotificationCallStateChange}
	}
	return &StaticSession{cfg: cfg, subscriptions: subscriptions}, nil
}

// LoadConfiguration reads a JSON media configuration from path.
func LoadConfiguration(path string) (Configuration, error) {
	var cfg Configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading media configuration: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding media configuration: %w", err)
	}
	return cfg, nil
}

// Subscriptions implements Session.
func (s *StaticSession) Subscriptions() []workflow.NotificationType {
	out := make([]workflow.NotificationType, len(s.subscriptions))
	copy(out, s.subscriptions)
	return out
}

// MediaConfiguration implements Session.
func (s *StaticSession) MediaConfiguration() (json.RawMessage, error) {
	body, err := json.Marshal(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding media configuration: %w", err)
	}
	return body, nil
}
