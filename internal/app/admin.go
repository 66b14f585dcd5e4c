package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antiphon-ai/antiphon/internal/observe"
)

// buildAdminServer exposes the operational surface: liveness and readiness
// probes, Prometheus metrics, and the optimizer's current posture.
func (a *App) buildAdminServer() *http.Server {
	mux := http.NewServeMux()
	a.health.Register(mux)

	if a.cfg.Observability.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/statusz", a.statusz)

	var handler http.Handler = mux
	if a.cfg.Observability.MetricsEnabled {
		handler = observe.Middleware(observe.DefaultMetrics())(mux)
	}

	return &http.Server{
		Addr:              a.cfg.Observability.AdminAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// statusz reports the optimizer's routing preferences, weights, and recent
// adaptations as JSON.
func (a *App) statusz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := struct {
		Turn      int `json:"turn"`
		Optimizer any `json:"optimizer"`
	}{
		Turn:      a.conv.Turn(),
		Optimizer: a.optimizer.Status(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("statusz encode failed", "error", err)
	}
}
