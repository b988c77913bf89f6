package app

import (
	"context"
	"fmt"

	"github.com/driftdesk/streamer/internal/input"
	"github.com/driftdesk/streamer/internal/wsstream"
)

// websocketsMode runs the framed-WebSocket transport: the pipeline starts
// immediately and frames fan out to whichever client attaches to
// /websockets on the signaling server.
func (a *App) websocketsMode(ctx context.Context) error {
	modeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipeline, err := a.buildPipeline(func(fatal error) {
		log.Error("pipeline failure, stopping websocket transport", "error", fatal)
		cancel()
	})
	if err != nil {
		return fmt.Errorf("building media pipeline: %w", err)
	}
	defer pipeline.Stop()

	streamer := wsstream.NewStreamer(a.cfg, pipeline)
	handler := input.NewHandler(a.injector, a.inputEvents(modeCtx, pipeline),
		a.cfg.GamepadEnabled, a.cfg.ClipboardEnabled)
	streamer.OnInputMessage = handler.HandleMessage
	streamer.OnFileUpload = func(data []byte) {
		if !a.cfg.FileUploadEnabled {
			log.Warn("file upload disabled, dropping frame")
			return
		}
		log.Debug("file transfer frame received", "bytes", len(data))
	}

	a.mu.Lock()
	a.streamer = streamer
	a.mu.Unlock()
	a.server.SetStreamHandler(streamer.Handler())
	defer func() {
		a.server.SetStreamHandler(nil)
		a.mu.Lock()
		a.streamer = nil
		a.mu.Unlock()
	}()

	if err := pipeline.Start(modeCtx); err != nil {
		return err
	}
	a.initStatsWriters()
	log.Info("websocket transport active")

	err = streamer.Run(modeCtx)
	if modeCtx.Err() != nil {
		// Cancellation is a clean stop, not an error.
		return nil
	}
	return err
}
