package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/opsdesk/opsdesk-backend/api/responses"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

const readinessProbeTimeout = 2 * time.Second

// ReadinessCheck probes one dependency. Code classifies the failure for
// the error envelope, so probe wiring decides the taxonomy row.
type ReadinessCheck struct {
	Name  string
	Code  pkgerrors.Code
	Probe func(ctx context.Context) error
}

func (c ReadinessCheck) failureCode() pkgerrors.Code {
	if c.Code == "" {
		return pkgerrors.CodeUnknownError
	}
	return c.Code
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-OpsDesk-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when every wired dependency answers its
// probe. The first failure wins and is mapped through the error taxonomy,
// so an unready service answers 503.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-OpsDesk-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessProbeTimeout)
		defer cancel()

		status := make(map[string]string, len(checks))
		for _, check := range checks {
			if check.Probe == nil {
				continue
			}
			if err := check.Probe(ctx); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(check.failureCode(), err, check.Name+" not ready"))
				return
			}
			status[check.Name] = "ok"
		}

		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": status})
	}
}
