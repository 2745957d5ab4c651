package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsdesk/opsdesk-backend/api/controllers"
	"github.com/opsdesk/opsdesk-backend/api/middleware"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/orchestrator"
	"github.com/opsdesk/opsdesk-backend/internal/tickets"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/redis"
)

func passthrough(next http.Handler) http.Handler { return next }

// NewRouter assembles the HTTP surface: the bulk pipeline routes, the
// single-ticket CRUD routes, health probes, and Prometheus metrics. A nil
// redis client disables idempotency replay and rate limiting rather than
// failing requests.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	redisClient *redis.Client,
	bulkService orchestrator.Service,
	ticketService tickets.Service,
	gatherer prometheus.Gatherer,
	readiness ...controllers.ReadinessCheck,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	idempotency := passthrough
	uploadLimit := passthrough
	statusLimit := passthrough
	if redisClient != nil {
		uploadPolicy := middleware.NewRateLimitPolicy("upload", cfg.RateLimit.UploadWindow, cfg.RateLimit.UploadIPLimit)
		statusPolicy := middleware.NewRateLimitPolicy("status", cfg.RateLimit.StatusWindow, cfg.RateLimit.StatusIPLimit)
		idempotency = middleware.Idempotency(redisClient, logg)
		uploadLimit = middleware.RateLimit(uploadPolicy, redisClient, logg)
		statusLimit = middleware.RateLimit(statusPolicy, redisClient, logg)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness...))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/tickets", func(r chi.Router) {
		// The cap covers the largest legal upload plus multipart framing,
		// and must run before idempotency buffers the body.
		r.Use(middleware.BodyLimit(cfg.Bulk.MaxFileSizeBytes()+1<<20), idempotency)

		r.Route("/bulk", func(r chi.Router) {
			r.With(uploadLimit).Post("/upload", controllers.BulkUpload(bulkService, logg))
			r.With(statusLimit).Get("/status/{batchId}", controllers.BulkStatus(bulkService, logg))
			r.With(statusLimit).Get("/failures/{batchId}", controllers.BulkFailures(bulkService, logg))
			r.With(statusLimit).Get("/active", controllers.BulkActive(bulkService, logg))
			r.Post("/cancel/{batchId}", controllers.BulkCancel(bulkService, logg))
			r.Route("/dlt", func(r chi.Router) {
				r.With(statusLimit).Get("/", controllers.BulkDLT(bulkService, logg))
				r.Post("/reprocess/{messageId}", controllers.BulkDLTReprocess(logg))
			})
		})

		r.Post("/", controllers.CreateTicket(ticketService, logg))
		r.Get("/", controllers.ListTickets(ticketService, logg))
		r.Get("/number/{ticketNumber}", controllers.GetTicketByNumber(ticketService, logg))
		r.Route("/{ticketId}", func(r chi.Router) {
			r.Get("/", controllers.GetTicket(ticketService, logg))
			r.Put("/", controllers.UpdateTicket(ticketService, logg))
			r.Patch("/status", controllers.UpdateTicketStatus(ticketService, logg))
			r.Delete("/", controllers.DeleteTicket(ticketService, logg))
		})
	})

	return r
}
