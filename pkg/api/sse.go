package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"conductor/pkg/logx"
	"conductor/pkg/stream"
	"conductor/pkg/utils"
)

// sseSink writes stream events as Server-Sent Events, one flush per event:
//
//	event: <type>
//	id: <seq>
//	data: <json>
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(ev stream.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Type, err)
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "query is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Detail: "streaming not supported"})
		return
	}

	rc := newRequestContext(r, req.Query, req.SessionID, req.History)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := logx.WithRequestID(r.Context(), rc.RequestID())
	if err := stream.Serve(ctx, s.runner, rc, &sseSink{w: w, flusher: flusher}); err != nil {
		// The client is gone; nothing more can be written.
		logx.Debug(ctx, "api", "stream %s ended early: %s", rc.RequestID(), utils.RedactError(err))
	}
}
