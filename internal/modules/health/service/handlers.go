package service

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"futures_engine/internal/models"
	engine "futures_engine/internal/modules/engine/service"
	"futures_engine/pkg/logger"
)

// Engine то, что админке нужно от движка.
type Engine interface {
	Status() engine.Status
	VirtualPositions() []models.VirtualPositionView
	Logs() *engine.LogRing
	ForceEvaluation(ctx context.Context) (engine.ForceResult, error)
}

const forceEvalTimeout = 2 * time.Minute

// NewMux пробы, админка движка и /metrics.
func NewMux(state *State, eng Engine, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		// liveness: процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"ready":        state.Ready(),
			"wsConnected":  state.WSConnected(),
			"wsReconnects": state.Reconnects(),
			"streamsLost":  state.StreamsLost(),
			"uptimeSec":    int64(state.Uptime().Seconds()),
			"lastTickUnix": unixOrZero(state.LastTick()),
		}
		if eng != nil {
			st := eng.Status()
			resp["engineMode"] = st.Mode
			resp["circuitBreakerOpen"] = st.CircuitBreakerOpen
		}
		writeJSON(w, http.StatusOK, resp)
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	if eng == nil {
		return mux
	}

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Status())
	})

	mux.HandleFunc("GET /positions/virtual", func(w http.ResponseWriter, r *http.Request) {
		views := eng.VirtualPositions()
		if views == nil {
			views = []models.VirtualPositionView{}
		}
		writeJSON(w, http.StatusOK, views)
	})

	mux.HandleFunc("GET /logs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var logs []engine.EngineLog
		if since := q.Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since: expected RFC3339 timestamp")
				return
			}
			logs = eng.Logs().LogsSince(t)
		} else {
			limit := 100
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, "limit: expected non-negative integer")
					return
				}
				limit = n
			}
			logs = eng.Logs().Logs(limit)
		}
		if logs == nil {
			logs = []engine.EngineLog{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":  logs,
			"stats": eng.Logs().Stats(),
		})
	})

	mux.HandleFunc("POST /force-evaluate", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), forceEvalTimeout)
		defer cancel()

		res, err := eng.ForceEvaluation(ctx)
		if err != nil {
			logger.Error("[HEALTH] force evaluate: %v", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	return mux
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		logger.Error("[HEALTH] encode response: %v", err)
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
