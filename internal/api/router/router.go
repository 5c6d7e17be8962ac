package router

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/http/handlers"
	httpmiddleware "github.com/tmhealth/companion-platform/internal/http/middleware"
	"github.com/tmhealth/companion-platform/internal/webchat"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger *logging.Logger

	// Conversation API (used by the bot worker and integrations)
	ConversationHandler *conversation.Handler

	// Webchat widget transport
	WebchatHandler *webchat.Handler

	// Counselor console
	AdminEscalations *handlers.AdminEscalationsHandler
	AdminDashboard   *handlers.AdminDashboardHandler
	CrisisFeed       *handlers.CrisisFeedHub
	AdminAuthSecret  string

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// ChatRateLimit is requests per second per IP on the public chat
	// surface. Zero disables rate limiting.
	ChatRateLimit float64
	ChatRateBurst int

	// DB is used by the health check. Optional.
	DB *sql.DB
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (health, metrics, chat surfaces)
	r.Group(func(public chi.Router) {
		public.Get("/health", healthCheck(cfg.DB))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}

		if cfg.WebchatHandler != nil {
			public.Route("/chat", func(chat chi.Router) {
				if cfg.ChatRateLimit > 0 {
					chat.Use(httpmiddleware.RateLimit(cfg.ChatRateLimit, cfg.ChatRateBurst))
				}
				chat.Get("/ws", cfg.WebchatHandler.HandleWebSocket)
				chat.Post("/message", cfg.WebchatHandler.HandleMessage)
				chat.Get("/history", cfg.WebchatHandler.HandleHistory)
				chat.Get("/widget.js", cfg.WebchatHandler.HandleWidgetJS)
			})
		}
	})

	// Conversation API used by channel workers. The bot and the intake
	// lambda run inside the boundary, so these stay off the public
	// surface in deployment; routing keeps them under /conversations.
	if cfg.ConversationHandler != nil {
		r.Route("/conversations", func(api chi.Router) {
			api.Post("/start", cfg.ConversationHandler.Start)
			api.Post("/message", cfg.ConversationHandler.Message)
			api.Post("/message/async", cfg.ConversationHandler.MessageAsync)
			api.Get("/jobs/{jobID}", cfg.ConversationHandler.JobStatus)
			api.Get("/{conversationID}/history", cfg.ConversationHandler.History)
			api.Post("/{conversationID}/checkin", cfg.ConversationHandler.CheckIn)
		})
	}

	// Counselor console (protected by HMAC JWT)
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))

			if cfg.AdminDashboard != nil {
				admin.Get("/dashboard", cfg.AdminDashboard.GetDashboardOverview)
			}
			if cfg.AdminEscalations != nil {
				admin.Route("/escalations", func(esc chi.Router) {
					esc.Get("/", cfg.AdminEscalations.ListCases)
					if cfg.CrisisFeed != nil {
						esc.Get("/feed", cfg.CrisisFeed.ServeWS)
					}
					esc.Route("/{caseID}", func(c chi.Router) {
						c.Get("/", cfg.AdminEscalations.GetCase)
						c.Post("/ack", cfg.AdminEscalations.AcknowledgeCase)
						c.Post("/resolve", cfg.AdminEscalations.ResolveCase)
						c.Get("/bundle", cfg.AdminEscalations.GetHandoffBundle)
					})
				})
			}
		})
	}

	return r
}

// healthCheck reports process liveness and, when a DB handle is wired,
// connectivity to Postgres.
func healthCheck(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","db":"unreachable"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
