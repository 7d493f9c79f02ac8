package workflow

import "fmt"

// VideoModality selects which video stream of a participant to receive.
type VideoModality string

const (
	VideoModalityVideo       VideoModality = "video"
	VideoModalityScreenShare VideoModality = "videoBasedScreenSharing"
)

// VideoResolution is the preferred resolution of a subscribed stream.
type VideoResolution string

const (
	VideoResolutionSD360p  VideoResolution = "sd360p"
	VideoResolutionSD540p  VideoResolution = "sd540p"
	VideoResolutionHD720p  VideoResolution = "hd720p"
	VideoResolutionHD1080p VideoResolution = "hd1080p"
)

// VideoSubscription asks the platform to route a participant's video
// stream to one of the bot's video sockets.
type VideoSubscription struct {
	ParticipantIdentity string          `json:"participantIdentity"`
	SocketID            int             `json:"socketId"`
	VideoModality       VideoModality   `json:"videoModality"`
	VideoResolution     VideoResolution `json:"videoResolution"`
}

// Validate checks the subscription payload.
func (s *VideoSubscription) Validate() error {
	if s.ParticipantIdentity == "" {
		return fmt.Errorf("%w: participant identity is empty", ErrValidation)
	}
	if s.SocketID < 0 {
		return fmt.Errorf("%w: socket id must not be negative, got %d", ErrValidation, s.SocketID)
	}
	switch s.VideoModality {
	case VideoModalityVideo, VideoModalityScreenShare:
	default:
		return fmt.Errorf("%w: unknown video modality %q", ErrValidation, s.VideoModality)
	}
	switch s.VideoResolution {
	case VideoResolutionSD360p, VideoResolutionSD540p, VideoResolutionHD720p, VideoResolutionHD1080p:
	default:
		return fmt.Errorf("%w: unknown video resolution %q", ErrValidation, s.VideoResolution)
	}
	return nil
}
