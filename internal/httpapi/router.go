package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"modeshift/internal/modes"
	"modeshift/internal/settings"
	"modeshift/internal/task/scheduler"
	"modeshift/internal/toggle"
	"modeshift/internal/weekly"
	logx "modeshift/pkg/logx"
)

// ModeService is implemented by *modes.Engine.
type ModeService interface {
	List(ctx context.Context) ([]modes.Mode, error)
	Get(ctx context.Context, id string) (modes.Mode, error)
	Save(ctx context.Context, m modes.Mode) (modes.Mode, time.Time, error)
	Delete(ctx context.Context, id string) error
	NextRun(id string) (time.Time, bool)
}

// ToggleService is implemented by *toggle.Service.
type ToggleService interface {
	State(ctx context.Context) (toggle.State, error)
	SetMask(ctx context.Context, m weekly.Mask) (toggle.State, error)
	SetDefault(ctx context.Context, c toggle.ChargingState) (toggle.State, error)
	Fire(ctx context.Context) (toggle.Result, error)
}

// StatusSource is implemented by *scheduler.Service.
type StatusSource interface {
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Modes    ModeService
	Toggle   ToggleService
	Gateway  settings.Gateway
	Status   StatusSource
	Now      func() time.Time
	Validate *validator.Validate
}

type api struct {
	Deps
	log logx.Logger
}

// NewRouter builds the API handler. It is usable without a listener (tests).
func NewRouter(cfg Config, d Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Validate == nil {
		d.Validate = validator.New(validator.WithRequiredStructEnabled())
	}
	a := &api{Deps: d, log: log}

	perIP := cfg.RequestsPerSec
	if perIP <= 0 {
		perIP = 20
	}
	writeRate := cfg.WriteRatePerSec
	if writeRate <= 0 {
		writeRate = 5
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(httprate.LimitByIP(perIP, time.Second))
	r.Use(bearerAuth(cfg.Token))
	r.Use(limitWrites(rate.NewLimiter(rate.Limit(writeRate), max(1, int(writeRate)))))

	r.Get("/healthz", a.health)

	r.Route("/modes", func(r chi.Router) {
		r.Get("/", a.listModes)
		r.Post("/", a.createMode)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getMode)
			r.Put("/", a.updateMode)
			r.Delete("/", a.deleteMode)
			r.Get("/next", a.nextRun)
		})
	})

	r.Route("/toggle", func(r chi.Router) {
		r.Get("/", a.getToggle)
		r.Put("/", a.putToggle)
		r.Post("/run", a.runToggle)
	})

	r.Get("/settings/snapshot", a.settingsSnapshot)
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// bearerAuth accepts "Authorization: Bearer <token>". An empty token
// disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(got) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limitWrites throttles mutating requests; they end in device writes.
func limitWrites(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				if !l.Allow() {
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "too many write requests")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
