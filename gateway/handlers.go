package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gliderlab/voxbridge/pkg/kv"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/gliderlab/voxbridge/storage"
)

// CallIDHeader carries the tool call id so a retried call is answered from
// the cache instead of running twice
const CallIDHeader = "X-Call-ID"

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// decodeRequest reads and validates a shell request. The returned error text
// is safe to send back to the client.
func (g *Gateway) decodeRequest(w http.ResponseWriter, r *http.Request) (processtool.Request, error) {
	var req processtool.Request
	body := http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyExec)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, errors.New("request body too large")
		}
		return req, err
	}
	if err := g.executor.Validate(req); err != nil {
		return req, err
	}
	return req, nil
}

func cacheKey(callID string) string {
	return "call:" + callID
}

func (g *Gateway) handleShell(w http.ResponseWriter, r *http.Request) {
	req, err := g.decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	callID := strings.TrimSpace(r.Header.Get(CallIDHeader))
	if callID != "" && g.cache != nil {
		var cached processtool.Result
		err := g.cache.GetJSON(cacheKey(callID), &cached)
		if err == nil {
			g.logger.Info().Str("call_id", callID).Msg("replaying cached result")
			w.Header().Set("X-Cache", "hit")
			writeJSON(w, http.StatusOK, cached)
			return
		}
		if !errors.Is(err, kv.ErrNotFound) {
			g.logger.Warn().Err(err).Str("call_id", callID).Msg("cache lookup failed")
		}
	}

	res := g.executor.Run(r.Context(), req)
	g.recordRun(r, "buffered", callID, req, res)

	if callID != "" && g.cache != nil {
		if err := g.cache.PutJSON(cacheKey(callID), res, g.cfg.CacheTTL); err != nil {
			g.logger.Warn().Err(err).Str("call_id", callID).Msg("cache store failed")
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleShellStream(w http.ResponseWriter, r *http.Request) {
	req, err := g.decodeRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	res := g.executor.Stream(r.Context(), req, w)
	g.recordRun(r, "stream", strings.TrimSpace(r.Header.Get(CallIDHeader)), req, res)
}

func (g *Gateway) recordRun(r *http.Request, mode, callID string, req processtool.Request, res processtool.Result) {
	if g.store == nil {
		return
	}
	run := storage.Run{
		CallID:      callID,
		Mode:        mode,
		Command:     req.Command.String(),
		WorkDir:     req.WorkDir,
		ExitCode:    res.ExitCode,
		Signal:      res.Signal,
		TimedOut:    res.TimedOut,
		Killed:      res.Killed,
		Outcome:     res.Outcome(),
		Error:       res.ProcessError,
		StdoutBytes: len(res.Stdout),
		StderrBytes: len(res.Stderr),
		DurationMs:  res.DurationMs,
		ClientIP:    clientIP(r),
	}
	if _, err := g.store.AddRun(run); err != nil {
		g.logger.Warn().Err(err).Msg("failed to record run")
	}
}

func (g *Gateway) handleRuns(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history disabled")
		return
	}
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := g.store.GetRuns(limit)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// logRequest is a diagnostic posted by a bridge client
type logRequest struct {
	Msg string          `json:"msg"`
	Req json.RawMessage `json:"req,omitempty"`
}

func (g *Gateway) handleLog(w http.ResponseWriter, r *http.Request) {
	var in logRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyLog)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid log body")
		return
	}
	ip := clientIP(r)
	ev := g.logger.Info().Str("ip", ip).Str("msg", in.Msg)
	if len(in.Req) > 0 {
		ev = ev.RawJSON("req", in.Req)
	}
	ev.Msg("client log")

	if g.store != nil {
		if err := g.store.AddClientLog(ip, in.Msg, string(in.Req)); err != nil {
			g.logger.Warn().Err(err).Msg("failed to store client log")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if g.store != nil {
		if stats, err := g.store.Stats(); err == nil {
			resp["runs"] = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
