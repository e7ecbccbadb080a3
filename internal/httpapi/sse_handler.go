package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"deepresearch/internal/id"
	"deepresearch/internal/logging"
	"deepresearch/internal/research/app"
	"deepresearch/internal/research/domain"
)

const defaultMaxResult = 50

// SSEHandler serves the `/api/sse` endpoint of §6/§10.I: binds query
// parameters to a domain.Params, resolves the request against the Task
// Manager via the Stream Multiplexer, and writes the resulting events as
// Server-Sent Events.
type SSEHandler struct {
	manager    *app.Manager
	multiplex  *app.StreamMultiplexer
	runnerFunc func() app.PipelineRunner
	logger     logging.Logger
}

// NewSSEHandler builds an SSEHandler. runnerFunc is called once per
// request, before the session mode is resolved, so each run gets a fresh
// Pipeline (cheap: Pipeline
// itself is stateless per run and safe to share, but the indirection lets
// callers swap providers per request if auth config demands it).
func NewSSEHandler(manager *app.Manager, multiplex *app.StreamMultiplexer, runnerFunc func() app.PipelineRunner) *SSEHandler {
	return &SSEHandler{
		manager:    manager,
		multiplex:  multiplex,
		runnerFunc: runnerFunc,
		logger:     logging.NewComponentLogger("sse_handler"),
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, attribution := parseParams(r)

	if strings.TrimSpace(params.Query) == "" {
		http.Error(w, "query parameter is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	taskID := h.manager.Fingerprint(params)
	reqID := id.RequestIDFromContext(r.Context())

	events, mode, closeSession, err := h.multiplex.Open(r.Context(), taskID, params, attribution, h.runnerFunc())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer closeSession()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Task-ID", taskID)
	w.Header().Set("X-Request-ID", reqID)
	w.Header().Set("X-Model-Name", strings.Join(params.ThinkingModels, ","))
	w.Header().Set("X-Search-Provider", params.SearchProvider)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("sse session %s opened in %s mode for task %s", reqID, mode, taskID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
			if ev.Kind == app.EventDone {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev app.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	switch ev.Kind {
	case app.EventChunk:
		for _, line := range strings.Split(ev.Chunk, "\n") {
			fmt.Fprintf(w, "data: %s\n", line)
		}
		fmt.Fprint(w, "\n")
	case app.EventProgress:
		fmt.Fprintf(w, "event: progress\ndata: {\"step\":%q,\"status\":%q,\"percentage\":%d}\n\n",
			ev.Record.Step, ev.Record.StepStatus, ev.Record.Percentage)
	case app.EventDone:
		fmt.Fprintf(w, "event: done\ndata: {\"status\":%q,\"isValidComplete\":%t}\n\n",
			ev.Record.Status, ev.Record.IsValidComplete)
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	engineErr, ok := err.(*domain.EngineError)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch engineErr.Kind {
	case domain.KindAuthFailed:
		status = http.StatusUnauthorized
	case domain.KindMemoryPressure, domain.KindTooManyConnections:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, engineErr.Error(), status)
}

// parseParams binds the §6 query-parameter table to a domain.Params and
// domain.Attribution pair.
func parseParams(r *http.Request) (domain.Params, domain.Attribution) {
	q := r.URL.Query()

	params := domain.Params{
		Query:               q.Get("query"),
		Language:            stringOr(q.Get("language"), "zh-CN"),
		MaxResult:           intOr(q.Get("maxResult"), defaultMaxResult),
		EnableCitationImage: boolish(q.Get("enableCitationImage"), true),
		EnableReferences:    boolish(q.Get("enableReferences"), true),
		ForceRestart:        boolish(q.Get("forceRestart"), false) || boolish(q.Get("restart"), false),
		ThinkingModels:      domain.DedupPreserveOrder(strings.Split(q.Get("thinkingModel"), ",")),
		TaskModels:          domain.DedupPreserveOrder(strings.Split(q.Get("taskModel"), ",")),
		SearchProvider:      q.Get("searchProvider"),
		SearchAPIKeys:       q.Get("searchApiKeys"),
		UserMessageID:       q.Get("userMessageId"),
		UserID:              q.Get("userId"),
		TopicID:             q.Get("topicId"),
		Mode:                q.Get("mode"),
		DataBaseURL:         q.Get("dataBaseUrl"),
	}

	attribution := domain.Attribution{
		UserID:    params.UserID,
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
		Mode:      params.Mode,
	}
	if cfg := AuthConfigFromContext(r.Context()); cfg != nil {
		attribution.SourceEnv = cfg["sourceEnv"]
		attribution.Locale = cfg["locale"]
		attribution.Timezone = cfg["timezone"]
		attribution.DeviceClass = cfg["deviceClass"]
	}

	return params, attribution
}

func stringOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func intOr(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// boolish implements the §6 "boolean-ish" shape: "false" disables,
// anything else (if present) enables; absence keeps the default.
func boolish(v string, def bool) bool {
	if v == "" {
		return def
	}
	return !strings.EqualFold(v, "false")
}
