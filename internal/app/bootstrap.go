package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/storeflow/internal/observability"
	"github.com/odyssey-erp/storeflow/internal/platform/cache"
	"github.com/odyssey-erp/storeflow/internal/platform/db"
	"github.com/odyssey-erp/storeflow/internal/procurement"
	"github.com/odyssey-erp/storeflow/internal/sheet"
	"github.com/odyssey-erp/storeflow/internal/shared"
	"github.com/odyssey-erp/storeflow/internal/workflow"
)

const idempotencyTTL = 24 * time.Hour

// Runtime holds the long-lived dependencies shared by the server and worker.
type Runtime struct {
	Pool            *pgxpool.Pool
	Redis           *redis.Client
	Store           sheet.Store
	Service         *procurement.Service
	WorkflowMetrics *observability.WorkflowMetrics
}

// Bootstrap connects the configured backends and builds the procurement
// service. Redis is optional: when it cannot be reached the sheet cache and
// idempotency keys are disabled.
func Bootstrap(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Runtime, error) {
	rt := &Runtime{WorkflowMetrics: observability.NewWorkflowMetrics(registerer)}

	if cfg.StoreBackend == BackendPostgres {
		pool, err := db.New(ctx, cfg.PGDSN, 0)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
	}

	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr, 0)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache", slog.Any("error", err))
		} else {
			rt.Redis = client
		}
	}

	base, err := rt.baseStore(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = sheet.NewCachedStore(base, rt.Redis, cfg.SheetCacheTTL, logger)

	var audit procurement.AuditPort = shared.NewLogAuditLogger(logger)
	var approvals procurement.ApprovalPort
	if rt.Pool != nil {
		auditLogger := shared.NewAuditLogger(rt.Pool)
		recorder := shared.NewApprovalRecorder(rt.Pool, logger)
		if err := auditLogger.EnsureSchema(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		if err := recorder.EnsureSchema(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("approval schema: %w", err)
		}
		audit, approvals = auditLogger, recorder
	}

	var idem *shared.IdempotencyStore
	if rt.Redis != nil {
		idem = shared.NewIdempotencyStore(rt.Redis, idempotencyTTL)
	}

	registry := procurement.DefaultRegistry(procurement.RegistryOptions{
		Logger:       logger,
		Observe:      rt.WorkflowMetrics.Observe,
		HistoryOrder: historyOrder(cfg.HistoryOrder),
	})
	rt.Service = procurement.NewService(rt.Store, registry, audit, idem, logger)
	rt.Service.SetDefaultFirm(cfg.DefaultFirm)
	events := procurement.MultiEvents{rt.WorkflowMetrics}
	if approvals != nil {
		events = append(events, procurement.ApprovalEvents{Recorder: approvals, Logger: logger})
	}
	rt.Service.SetEvents(events)
	return rt, nil
}

func (rt *Runtime) baseStore(ctx context.Context, cfg *Config) (sheet.Store, error) {
	switch cfg.StoreBackend {
	case BackendHTTP:
		return sheet.NewClient(cfg.SheetAPIURL, cfg.SheetAPITimeout), nil
	case BackendPostgres:
		store := sheet.NewPGStore(rt.Pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("sheet schema: %w", err)
		}
		return store, nil
	case BackendMemory:
		return sheet.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// Close releases the connections opened by Bootstrap.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

func historyOrder(name string) func(a, b workflow.DisplayRecord) bool {
	if name == "numeric" {
		return workflow.NumericSuffixDescending
	}
	return nil
}
