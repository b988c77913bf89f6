package media

import (
	"context"

	"github.com/driftdesk/streamer/internal/logging"
)

var log = logging.L("media")

// state tracks the pipeline lifecycle. All transitions happen under the
// pipeline mutex.
type state int

const (
	stateNew state = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Pipeline is the capture+encode engine contract shared by both back-ends.
// Start is idempotent while running and Stop while stopped. The Set*
// operations retune a running pipeline without restarting it where the
// back-end allows; failures are logged and do not stop streaming.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop() error

	SetFramerate(fps int) error
	SetVideoBitrate(kbps int) error
	SetAudioBitrate(bps int) error
	SetPointerVisible(visible bool) error
	RequestKeyframe() error

	// VideoFrames and AudioFrames return the bridges transports consume.
	VideoFrames() *Bridge
	AudioFrames() *Bridge

	// AudioClockRate reports the negotiated audio sample clock (Hz).
	AudioClockRate() int
}

// FatalFunc receives the terminal pipeline error (bus error or EOS); the
// supervisor uses it to collapse the active session.
type FatalFunc func(err error)
