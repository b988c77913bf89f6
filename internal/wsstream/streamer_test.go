package wsstream

import (
	"bytes"
	"testing"

	"github.com/driftdesk/streamer/internal/media"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []media.EncodedFrame{
		{Kind: media.KindVideo, PTS: 90000, Keyframe: true, Data: []byte{0x00, 0x01, 0x02}},
		{Kind: media.KindVideo, PTS: 0, Keyframe: false, Data: []byte{}},
		{Kind: media.KindAudio, PTS: 48000, Keyframe: false, Data: []byte{0xff}},
	}
	for _, want := range cases {
		got, err := DecodeFrame(EncodeFrame(want))
		if err != nil {
			t.Fatalf("%+v: %v", want, err)
		}
		if got.Kind != want.Kind || got.PTS != want.PTS || got.Keyframe != want.Keyframe {
			t.Fatalf("header mismatch: want %+v, got %+v", want, got)
		}
		if !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("payload mismatch: want %v, got %v", want.Data, got.Data)
		}
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x01, 0x02}); err == nil {
		t.Fatal("short frames must be rejected")
	}
	long := make([]byte, frameHeaderSize+4)
	long[0] = 0x7f
	if _, err := DecodeFrame(long); err == nil {
		t.Fatal("unknown frame types must be rejected")
	}
}

func TestEnqueueMediaDropsOldest(t *testing.T) {
	c := &clientConn{
		mediaCh: make(chan []byte, 3),
		done:    make(chan struct{}),
	}

	for i := byte(0); i < 10; i++ {
		c.enqueueMedia([]byte{FrameVideo, i})
	}

	if c.dropped != 7 {
		t.Fatalf("expected 7 drops, got %d", c.dropped)
	}

	// The survivors are the newest three, in order.
	want := []byte{7, 8, 9}
	for _, w := range want {
		buf := <-c.mediaCh
		if buf[1] != w {
			t.Fatalf("expected frame %d, got %d", w, buf[1])
		}
	}
}
