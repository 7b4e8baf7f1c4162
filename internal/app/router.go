package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/stockledger/stockledger/internal/observability"
)

// OpsDeps collects the collaborators exposed on the operational surface.
// Business traffic never flows through this router; it only carries health,
// metrics, and maintenance triggers.
type OpsDeps struct {
	Logger           *slog.Logger
	Config           *Config
	Metrics          *observability.Metrics
	Ping             func(ctx context.Context) error
	EnqueueRebuild   func(ctx context.Context, tenantID, itemID, warehouseID string) error
	EnqueueReconcile func(ctx context.Context, tenantID string) error
}

// NewOpsRouter builds the chi router for the ops server.
func NewOpsRouter(deps OpsDeps) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Logger: deps.Logger, Config: deps.Config, Metrics: deps.Metrics}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if deps.Ping != nil {
			if err := deps.Ping(req.Context()); err != nil {
				http.Error(w, "degraded", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

		admin.Post("/projections/rebuild", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				TenantID    string `json:"tenant_id"`
				ItemID      string `json:"item_id"`
				WarehouseID string `json:"warehouse_id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.TenantID == "" || body.ItemID == "" || body.WarehouseID == "" {
				http.Error(w, "tenant_id, item_id and warehouse_id required", http.StatusBadRequest)
				return
			}
			if deps.EnqueueRebuild == nil {
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			if err := deps.EnqueueRebuild(req.Context(), body.TenantID, body.ItemID, body.WarehouseID); err != nil {
				if deps.Logger != nil {
					deps.Logger.Error("enqueue projection rebuild", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})

		admin.Post("/transfers/reconcile", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				TenantID string `json:"tenant_id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.TenantID == "" {
				http.Error(w, "tenant_id required", http.StatusBadRequest)
				return
			}
			if deps.EnqueueReconcile == nil {
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			if err := deps.EnqueueReconcile(req.Context(), body.TenantID); err != nil {
				if deps.Logger != nil {
					deps.Logger.Error("enqueue transfer reconciliation", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
	})

	return r
}
