package initiative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/shield"
)

// heartbeatInterval keeps idle event streams open through proxies.
const heartbeatInterval = 15 * time.Second

// Handler returns the HTTP API behind the default shield stack and the
// configured rate limits.
func (svc *Service) Handler() http.Handler {
	rl := shield.NewRateLimiter(svc.cfg.RateLimits)
	rl.StartGC(svc.done)

	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	svc.RegisterHTTP(r)
	return r
}

// RegisterHTTP registers the API routes on r.
func (svc *Service) RegisterHTTP(r chi.Router) {
	r.Get("/api/initiatives", svc.handleList)
	r.Get("/api/initiatives/{id}", svc.handleGet)
	r.Post("/api/assistant/messages", svc.handleAsk)
	r.Get("/api/assistant/sessions/{sessionID}/stream", svc.handleStream)
	r.Get("/api/export/initiatives", svc.handleExport)
}

func (svc *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	in, err := svc.GetInitiative(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		svc.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (svc *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"))
	if err != nil {
		svc.writeError(w, r, fmt.Errorf("%w: page: %v", ErrInvalidInput, err))
		return
	}
	size, err := queryInt(q.Get("page_size"))
	if err != nil {
		svc.writeError(w, r, fmt.Errorf("%w: page_size: %v", ErrInvalidInput, err))
		return
	}
	opts := ListOptions{
		Page:               page,
		PageSize:           size,
		Query:              q.Get("q"),
		ToolIDs:            q["tool"],
		BusinessUseCaseIDs: q["business_use_case"],
	}
	for _, uc := range q["functional_use_case"] {
		opts.FunctionalUseCases = append(opts.FunctionalUseCases, FunctionalUseCase(uc))
	}

	res, err := svc.ListInitiatives(r.Context(), opts)
	if err != nil {
		svc.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (svc *Service) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		svc.writeError(w, r, fmt.Errorf("%w: body: %v", ErrInvalidRequest, err))
		return
	}
	ans, err := svc.Ask(r.Context(), req)
	if err != nil {
		svc.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// handleStream relays the chunks of a session as server-sent events until
// the client leaves or the service closes.
func (svc *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	chunks, cancel, err := svc.Subscribe(chi.URLParam(r, "sessionID"))
	if err != nil {
		svc.writeError(w, r, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		svc.logger.WarnContext(r.Context(), "initiative: stream not flushable", "error", err)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case c, ok := <-chunks:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				svc.logger.ErrorContext(r.Context(), "initiative: marshal chunk", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// handleExport streams every live initiative as newline-delimited JSON.
// Errors after the first record can only end the stream.
func (svc *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	started := false
	err := svc.ExportInitiatives(r.Context(), func(rec ExportRecord) error {
		started = true
		return enc.Encode(rec)
	})
	if err == nil {
		return
	}
	if !started {
		svc.writeError(w, r, err)
		return
	}
	svc.logger.WarnContext(r.Context(), "initiative: export interrupted", "error", err)
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrKnowledgeBaseNotReady), faults.Is(err, faults.KindShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAssistantUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (svc *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		shield.GetLogger(r.Context()).ErrorContext(r.Context(), "initiative: request failed",
			"path", r.URL.Path, "status", code, "error", err)
	}
	if code == http.StatusInternalServerError {
		err = errors.New("internal error")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
