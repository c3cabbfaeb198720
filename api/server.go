/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the reverse proxy
  3. Logger:     zap request log (method, path, status, latency, request id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Per-request deadline
  6. CORS:       Cross-origin requests for the dashboard
  7. httprate:   Per-actor limit on mutating routes only

ROUTE GROUPS:
  /api/documents/*         Approval documents (PR, IOR, FR, GP)
  /api/spending-limits/*   Officer spending view
  /api/settings/*          Financial controls
  /api/sales               Point of sale
  /api/reconciliations/*   End-of-day cash reconciliation
  /api/inventory/*         Stock levels and receipts
  /api/scenarios/*         Demo data (development only)
  /api/health              Liveness
  /*                       Static files (frontend)

STATIC FILE SERVING:
  Serves the built dashboard from web/dist/ when present and falls back
  to index.html for client-side routing.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins     []string
	RateLimitPerMinute int // zero disables rate limiting
	RequestTimeout     time.Duration
	EnableScenarios    bool
	StaticDir          string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole, HeaderActorBranch},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: !containsWildcard(origins),
	}))

	mutating := func(next http.Handler) http.Handler { return next }
	if opts.RateLimitPerMinute > 0 {
		mutating = httprate.Limit(opts.RateLimitPerMinute, time.Minute,
			httprate.WithKeyFuncs(rateLimitKey),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
			}),
		)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Document routes
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Get("/export", h.ExportDocuments)
			r.Get("/{id}", h.GetDocument)
			r.With(mutating).Post("/", h.CreateDocument)
			r.With(mutating).Post("/{id}/transitions", h.TransitionDocument)
			r.With(mutating).Post("/{id}/reject", h.RejectDocument)
		})

		// Spending routes
		r.Get("/spending-limits/{officer}", h.GetSpendingLimits)
		r.Route("/settings", func(r chi.Router) {
			r.Get("/financial-controls", h.GetFinancialControls)
			r.With(mutating).Put("/financial-controls", h.UpdateFinancialControls)
		})

		// Sales and reconciliation routes
		r.With(mutating).Post("/sales", h.RecordSale)
		r.Route("/reconciliations", func(r chi.Router) {
			r.Get("/", h.ListReconciliations)
			r.Get("/missing", h.ListMissingReconciliations)
			r.Get("/export", h.ExportReconciliations)
			r.Get("/{id}", h.GetReconciliation)
			r.With(mutating).Post("/", h.SubmitReconciliation)
			r.With(mutating).Post("/{id}/verify", h.VerifyReconciliation)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Get("/{id}", h.GetLoan)
			r.Get("/{id}/payments", h.ListLoanPayments)
			r.With(mutating).Post("/{id}/payments", h.RecordLoanPayment)
			r.With(mutating).Post("/{id}/payment", h.RecordLoanPayment)
		})

		// Inventory routes
		r.Route("/inventory", func(r chi.Router) {
			r.Get("/", h.ListInventory)
			r.With(mutating).Post("/receipts", h.ReceiveStock)
		})

		// Production routes
		r.Route("/wheat-deliveries", func(r chi.Router) {
			r.Get("/", h.ListWheatDeliveries)
			r.With(mutating).Post("/", h.CreateWheatDelivery)
		})
		r.Route("/milling-orders", func(r chi.Router) {
			r.Get("/", h.ListMillingOrders)
			r.With(mutating).Post("/", h.CreateMillingOrder)
			r.With(mutating).Post("/{id}/complete", h.CompleteMillingOrder)
		})

		// Scenario routes
		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	mountStatic(r, opts.StaticDir)
	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("actor", r.Header.Get(HeaderActorID)),
			)
		})
	}
}

// rateLimitKey limits per actor when one is named, else per client IP.
func rateLimitKey(r *http.Request) (string, error) {
	if actor := strings.TrimSpace(r.Header.Get(HeaderActorID)); actor != "" {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// mountStatic serves the built dashboard, or a short API index when it
// has not been built.
func mountStatic(r chi.Router, staticDir string) {
	if staticDir == "" {
		staticDir = "./web/dist"
		if _, err := os.Stat(staticDir); os.IsNotExist(err) {
			// Try relative to executable
			exe, _ := os.Executable()
			staticDir = filepath.Join(filepath.Dir(exe), "web", "dist")
		}
	}

	if _, err := os.Stat(staticDir); err == nil {
		fileServer := http.FileServer(http.Dir(staticDir))
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			fullPath := filepath.Join(staticDir, filepath.Clean("/"+r.URL.Path))
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				// SPA routing: serve index.html
				http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		})
		return
	}

	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Flour Factory Approvals</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Flour Factory Approvals API</h1>
<p>The dashboard is not built yet. Run <code>cd web && npm install && npm run build</code></p>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/documents">/api/documents</a> - Approval documents</li>
<li><a href="/api/reconciliations">/api/reconciliations</a> - Daily reconciliations</li>
<li><a href="/api/inventory">/api/inventory</a> - Stock levels</li>
<li><a href="/api/milling-orders">/api/milling-orders</a> - Milling orders</li>
<li><a href="/api/loans">/api/loans</a> - Customer loans</li>
<li><a href="/api/settings/financial-controls">/api/settings/financial-controls</a> - Thresholds and limits</li>
</ul>
</body>
</html>`))
	})
}
