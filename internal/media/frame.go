// Package media produces encoded audio/video frames from a live capture
// source. Two interchangeable back-ends implement the Pipeline interface:
// a GStreamer graph and a direct capture library binding.
package media

// Kind discriminates the two media streams.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// EncodedFrame is one encoded unit handed from the pipeline to a transport.
// PTS is expressed in a 90 kHz clock for video and the codec clock rate for
// audio. Ownership moves with the frame; producers never retain Data.
type EncodedFrame struct {
	Data     []byte
	PTS      int64
	Keyframe bool
	Kind     Kind
}
