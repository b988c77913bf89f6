// Package streamerrors defines the error kinds shared across the streaming
// runtime. Leaf components translate library failures into these kinds so
// mid-level components can decide between "log and continue", "collapse the
// active session", and "abort startup" without string matching.
package streamerrors

import "errors"

var (
	// ErrConfigInvalid marks a malformed setting or impossible combination.
	// Fatal at startup.
	ErrConfigInvalid = errors.New("CONFIG_INVALID")

	// ErrPluginMissing marks an absent capture or encoder capability.
	// Fatal for the chosen pipeline back-end.
	ErrPluginMissing = errors.New("PLUGIN_MISSING")

	// ErrPipeline marks a runtime bus error or end-of-stream. Tears down the
	// active session; the process stays alive.
	ErrPipeline = errors.New("PIPELINE_ERROR")

	// ErrSignalingTransient marks a network or handshake failure. The client
	// reconnects with backoff.
	ErrSignalingTransient = errors.New("SIGNALING_TRANSIENT")

	// ErrSignalingProtocol marks a malformed HELLO or unknown verb. The peer
	// socket is closed with code 1002.
	ErrSignalingProtocol = errors.New("SIGNALING_PROTOCOL")

	// ErrNegotiation marks an SDP/ICE failure; the current session aborts.
	ErrNegotiation = errors.New("RTC_NEGOTIATION")

	// ErrControlRejected marks a denied mode switch (HTTP 409).
	ErrControlRejected = errors.New("CONTROL_REJECTED")

	// ErrResourceBusy marks an attempt to mutate a locked setting. Logged
	// and ignored.
	ErrResourceBusy = errors.New("RESOURCE_BUSY")
)
