// Package api exposes the campaign and sequence engine over REST.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/service/campaign"
	"github.com/ignite/coldreach/internal/service/sequence"
	"github.com/ignite/coldreach/internal/service/suppression"
)

// EventIngestor applies one engagement event. ingest.Ingestor satisfies it.
type EventIngestor interface {
	Ingest(ctx context.Context, e *domain.Event) error
}

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins []string
	// IngestToken guards the event ingest endpoint. Empty disables it.
	IngestToken string
	// DefaultOrgID is used when a request carries no X-Organization-ID.
	DefaultOrgID string
}

// Server holds the services behind the REST handlers.
type Server struct {
	campaigns   *campaign.Service
	sequences   *sequence.Service
	ingestor    EventIngestor
	suppression *suppression.Service
	health      *HealthChecker
	opts        Options
}

// NewServer creates the API server. ingestor, supp and health may be nil;
// the matching routes are then not mounted.
func NewServer(campaigns *campaign.Service, sequences *sequence.Service, ingestor EventIngestor,
	supp *suppression.Service, health *HealthChecker, opts Options) *Server {
	if health == nil {
		health = NewHealthChecker(nil, nil)
	}
	return &Server{
		campaigns:   campaigns,
		sequences:   sequences,
		ingestor:    ingestor,
		suppression: supp,
		health:      health,
		opts:        opts,
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Organization-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.health.HandleHealth)
	r.Get("/health/live", s.health.HandleLiveness)
	r.Get("/health/ready", s.health.HandleReadiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.orgContext)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.listCampaigns)
			r.Post("/", s.createCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getCampaign)
				r.Put("/", s.updateCampaign)
				r.Delete("/", s.deleteCampaign)

				r.Post("/prepare", s.prepareCampaign)
				r.Post("/schedule", s.scheduleCampaign)
				r.Post("/unschedule", s.campaignAction(s.campaigns.Unschedule))
				r.Post("/start", s.campaignAction(s.campaigns.Start))
				r.Post("/pause", s.campaignAction(s.campaigns.Pause))
				r.Post("/resume", s.campaignAction(s.campaigns.Resume))
				r.Post("/cancel", s.campaignAction(s.campaigns.Cancel))
				r.Post("/duplicate", s.duplicateCampaign)
				r.Post("/retry_failed", s.retryFailed)
				r.Post("/select_ab_winner", s.selectABWinner)

				r.Get("/preview", s.previewCampaign)
				r.Get("/stats", s.campaignStats)
				r.Get("/variants", s.campaignVariants)
				r.Get("/recipients", s.campaignRecipients)
				r.Get("/logs", s.campaignLogs)
			})
		})

		r.Route("/sequences", func(r chi.Router) {
			r.Get("/", s.listSequences)
			r.Post("/", s.createSequence)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSequence)
				r.Put("/", s.updateSequence)
				r.Delete("/", s.deleteSequence)

				r.Post("/activate", s.sequenceAction(s.sequences.Activate))
				r.Post("/pause", s.sequenceAction(s.sequences.Pause))
				r.Post("/resume", s.sequenceAction(s.sequences.Resume))
				r.Post("/archive", s.sequenceAction(s.sequences.Archive))

				r.Post("/enroll", s.enroll)
				r.Post("/bulk_enroll", s.bulkEnroll)
				r.Get("/enrollments", s.listEnrollments)
				r.Get("/stats", s.sequenceStats)
				r.Get("/logs", s.sequenceLogs)
				r.Get("/steps/{stepID}/preview", s.previewStep)
			})
		})

		r.Route("/enrollments/{id}", func(r chi.Router) {
			r.Get("/", s.getEnrollment)
			r.Post("/pause", s.enrollmentAction(s.sequences.PauseEnrollment))
			r.Post("/resume", s.enrollmentAction(s.sequences.ResumeEnrollment))
			r.Post("/stop", s.enrollmentAction(s.sequences.StopEnrollment))
			r.Get("/executions", s.enrollmentExecutions)
		})

		if s.suppression != nil {
			r.Route("/suppressions", func(r chi.Router) {
				r.Get("/", s.listSuppressions)
				r.Post("/", s.addSuppression)
				r.Get("/stats", s.suppressionStats)
				r.Delete("/{email}", s.removeSuppression)
			})
		}

		if s.ingestor != nil && s.opts.IngestToken != "" {
			r.With(s.requireIngestToken).Post("/events", s.ingestEvents)
		}
	})

	return r
}
