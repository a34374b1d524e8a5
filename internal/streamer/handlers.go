package streamer

import (
	"time"

	"github.com/aeviox/osprey/internal/socket"
)

// NewEEGHandler returns a Handler for EEG rows, ingested as JSON INGEST
// batches (sample columns per channel, plus "time").
func NewEEGHandler() Handler { return newRowQueueHandler("EEG") }

// NewSenseHATHandler returns a Handler for Sense-HAT readings (temp,
// humidity, pressure, orientation), ingested the same way as EEG.
func NewSenseHATHandler() Handler { return newRowQueueHandler("SenseHAT") }

// NewLogHandler returns a Handler for the log stream recovered from
// original_source/app/main/streamer_events.py: a device that pushes a
// name (via SIGN_ON) and then INGEST batches of {time, level, message}
// rows, no periodic acquisition loop of its own.
func NewLogHandler() Handler { return newRowQueueHandler("Log") }

// frameHandler is the shared shape for Video and Audio: both ingest raw
// bytes off the data-source socket's multipart framing (spec §4.B) rather
// than JSON INGEST requests, and queue one {time, frame} row per chunk.
type frameHandler struct {
	*rowQueueHandler
	column string // "frame" for video, "chunk" for audio
}

func (f *frameHandler) Write(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.push(map[string]interface{}{
		"time":   time.Now().UnixMilli(),
		f.column: cp,
	})
}

// StartIngest launches the multipart chunk reader for this handler's
// data-source socket. It runs until ParseMultipart returns an error (the
// socket is shut down, or a chunk is malformed) and then exits; STOP/Close
// does not need to interrupt it separately since the chunk reader is
// already driven purely by socket availability, not the Streamer's own
// running state (spec §4.F's loop only governs the write side).
func (f *frameHandler) StartIngest(h *socket.Handler) {
	go func() {
		for {
			if err := h.ParseMultipart(f); err != nil {
				return
			}
		}
	}()
}

// NewVideoHandler returns a Handler for the JPEG-boundary-per-frame video
// stream (spec §4.F), one ring/store row per decoded frame.
func NewVideoHandler() Handler {
	return &frameHandler{rowQueueHandler: newRowQueueHandler("Video"), column: "frame"}
}

// NewAudioHandler returns a Handler for chunked audio, structurally
// identical to Video's multipart ingestion with a different column name.
func NewAudioHandler() Handler {
	return &frameHandler{rowQueueHandler: newRowQueueHandler("Audio"), column: "chunk"}
}
