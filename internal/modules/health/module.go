package health

import (
	"context"
	"crypto/subtle"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"trade_guard/internal/models"
	"trade_guard/internal/modules/config"
	"trade_guard/internal/modules/health/service"
)

const (
	maxIntentBody     = 16 << 10
	intentTokenHeader = "X-Intent-Token"
)

type Config struct {
	Addr string // например "127.0.0.1:8080"
	// IntentToken: пустой только на loopback, это проверяет конфиг
	IntentToken string
}

func NewConfig(cfg *config.Config) Config {
	return Config{Addr: cfg.HTTPAddr, IntentToken: cfg.IntentToken}
}

// IntentSink: куда складываются намерения на вход. true - какое-то намерение вытеснено.
type IntentSink interface {
	Push(in models.EntryIntent) (bool, error)
}

func NewMux(cfg Config, state *service.State, intents IntentSink, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		// процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		// готов после первого завершённого цикла
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		halted, reason := state.Halted()
		resp := map[string]any{
			"ready":       state.Ready(),
			"wsConnected": state.WSConnected(),
			"uptimeSec":   int64(state.Uptime().Seconds()),
			"halted":      halted,
			"haltReason":  reason,
			"naked":       state.Naked(),
			"unresolved":  state.Unresolved(),
			"lastCycleUnix": func() int64 {
				t := state.LastCycle()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/intents", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(cfg.IntentToken, r.Header.Get(intentTokenHeader)) {
			log.Warn("[HTTP] intent rejected: bad token", zap.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIntentBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		var in models.EntryIntent
		if err := sonic.Unmarshal(body, &in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad json: " + err.Error()})
			return
		}
		if in.ReceivedAt.IsZero() {
			in.ReceivedAt = time.Now().UTC()
		}
		replaced, err := intents.Push(in)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
			return
		}
		log.Info("[HTTP] intent queued",
			zap.String("symbol", in.Symbol),
			zap.String("side", string(in.Side)),
			zap.String("reason", in.Reason),
			zap.Bool("replaced", replaced))
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "replaced": replaced})
	})

	return mux
}

func authorized(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func RunHTTP(lc fx.Lifecycle, cfg Config, mux *http.ServeMux, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			log.Info("[HTTP] listening", zap.String("addr", ln.Addr().String()))
			go func() { _ = srv.Serve(ln) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			NewConfig,
			NewMux,
		),
		fx.Invoke(RunHTTP),
	)
}
