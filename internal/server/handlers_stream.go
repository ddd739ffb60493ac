package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/streaming"
)

const (
	keepaliveInterval = 15 * time.Second
	streamPoll        = time.Second
	chunkPage         = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// runEvent is one message on a run's live feed.
type runEvent struct {
	Event string
	Data  string
}

// runEvents emits the run's status, then every step and stream notification
// for it, until the run is terminal or ctx ends. A nil return means the run
// finished and a final "done" event was emitted.
func (h *Handlers) runEvents(ctx context.Context, runID string, emit func(runEvent) error) error {
	if h.broker == nil {
		return errors.New("server: no notification broker")
	}
	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	status := func() (bool, error) {
		st, err := h.orch.Status(ctx, runID)
		if err != nil {
			return false, err
		}
		data, _ := json.Marshal(st)
		if err := emit(runEvent{Event: "status", Data: string(data)}); err != nil {
			return false, err
		}
		if st.Status.Terminal() {
			return true, emit(runEvent{Event: "done", Data: `{"run_id":"` + runID + `"}`})
		}
		return false, nil
	}

	if done, err := status(); err != nil || done {
		return err
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepalive.C:
			if done, err := status(); err != nil || done {
				return err
			}
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			switch n.Channel {
			case storage.ChannelSteps:
				if payloadRunID(n.Payload) != runID {
					continue
				}
				if !strings.Contains(n.Payload, `"trace_status"`) {
					if err := emit(runEvent{Event: "step", Data: n.Payload}); err != nil {
						return err
					}
					continue
				}
				if done, err := status(); err != nil || done {
					return err
				}
			case storage.ChannelStreams:
				if payloadRunID(n.Payload) != runID {
					continue
				}
				if err := emit(runEvent{Event: "stream", Data: n.Payload}); err != nil {
					return err
				}
			case storage.ChannelApprovals, storage.ChannelStops:
				if n.Payload != runID {
					continue
				}
				if done, err := status(); err != nil || done {
					return err
				}
			}
		}
	}
}

func payloadRunID(payload string) string {
	var v struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return ""
	}
	return v.RunID
}

// sseWriter prepares w for Server-Sent Events.
func sseWriter(w http.ResponseWriter, r *http.Request) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connections must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	return flusher, true
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events (SSE).
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event feed not available")
		return
	}
	if _, err := h.orch.Status(r.Context(), runID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	flusher, ok := sseWriter(w, r)
	if !ok {
		return
	}
	err := h.runEvents(r.Context(), runID, func(e runEvent) error {
		if _, err := w.Write(formatSSE(e.Event, e.Data)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		h.logger.Warn("http: run events ended", "run_id", runID, "error", err)
	}
}

// HandleRunWebSocket handles GET /v1/runs/{run_id}/ws. Each event is sent as
// a JSON text frame {"event": ..., "data": ...}.
func (h *Handlers) HandleRunWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event feed not available")
		return
	}
	if _, err := h.orch.Status(r.Context(), runID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("http: websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()
	// The hijacked conn still carries the server's read and write deadlines.
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends anything we use; reading detects close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = h.runEvents(ctx, runID, func(e runEvent) error {
		frame := struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}{Event: e.Event, Data: json.RawMessage(e.Data)}
		return conn.WriteJSON(frame)
	})
	if err == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
			time.Now().Add(time.Second))
		return
	}
	if ctx.Err() == nil {
		h.logger.Warn("http: websocket feed ended", "run_id", runID, "error", err)
	}
}

// HandleStreamText handles GET /v1/streams/{stream_id}/text. It replays the
// persisted text of a stream after the optional ?after= sequence number and
// follows it live until the stream ends. With ?smooth=true (the default) the
// text is revealed at a steady pace.
func (h *Handlers) HandleStreamText(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("stream_id")
	q := r.URL.Query()

	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "after must be a non-negative integer")
			return
		}
		after = n
	}
	smooth := true
	if v := q.Get("smooth"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "smooth must be a boolean")
			return
		}
		smooth = b
	}

	if _, err := h.store.GetStreamingMetrics(r.Context(), streamID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "stream not found")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	flusher, ok := sseWriter(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	targets := make(chan string, 1)
	producerErr := make(chan error, 1)
	go func() {
		defer close(targets)
		producerErr <- h.followStream(ctx, streamID, after, targets)
	}()

	smoother := streaming.NewSmoother(streaming.SmootherOptions{Disabled: !smooth})
	err := smoother.Run(ctx, targets, func(visible string) error {
		data, _ := json.Marshal(map[string]string{"text": visible})
		if _, err := w.Write(formatSSE("text", string(data))); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		cancel()
		return
	}
	if perr := <-producerErr; perr != nil {
		h.logger.Warn("http: stream follow failed", "stream_id", streamID, "error", perr)
	}
	_, _ = w.Write(formatSSE("done", `{"stream_id":"`+streamID+`"}`))
	flusher.Flush()
}

// followStream sends the accumulated text of a stream to targets each time
// it grows. It returns once the stream has ended and every chunk was read.
func (h *Handlers) followStream(ctx context.Context, streamID string, after int64, targets chan<- string) error {
	var notes chan Notification
	if h.broker != nil {
		notes = h.broker.Subscribe()
		defer h.broker.Unsubscribe(notes)
	}
	poll := time.NewTicker(streamPoll)
	defer poll.Stop()

	var text strings.Builder
	for {
		grew := false
		for {
			chunks, err := h.publisher.ChunksAfter(ctx, streamID, after, chunkPage)
			if err != nil {
				return err
			}
			for _, c := range chunks {
				after = c.Seq
				if c.Kind == model.ChunkText {
					text.WriteString(c.Content)
					grew = true
				}
			}
			if len(chunks) < chunkPage {
				break
			}
		}
		if grew {
			select {
			case targets <- text.String():
			case <-ctx.Done():
				return nil
			}
		}

		m, err := h.store.GetStreamingMetrics(ctx, streamID)
		if err != nil {
			return err
		}
		if m.Status != model.StreamStatusStreaming {
			// The final flush lands before the status change; drain once more.
			chunks, err := h.publisher.ChunksAfter(ctx, streamID, after, 1)
			if err != nil {
				return err
			}
			if len(chunks) == 0 {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
		case n, ok := <-notes:
			if !ok {
				notes = nil
			} else if n.Channel != storage.ChannelStreams || !strings.Contains(n.Payload, streamID) {
				continue
			}
		}
	}
}
