package httpapi

import (
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/puzzle-sync/internal/hub"
	"github.com/DoyleJ11/puzzle-sync/internal/ws"
)

type Options struct {
	Log            *zap.Logger
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer // nil disables /metrics
	Seed           int64               // 0 seeds from the clock
}

func SetupRoutes(h *hub.Hub, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := &lockedRand{rng: rand.New(rand.NewSource(seed))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withCORS(opts.AllowedOrigins))

	// Public routes
	r.Get("/healthz", Healthz)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", CreateSession(h, rng, log))
		r.Get("/{sessionID}", GetSession(h, log))
		r.Post("/{sessionID}/join", JoinSession(h, log))
	})
	r.Get("/ws/puzzle/{sessionID}", ws.Handler(h, ws.Options{
		OriginPatterns: originPatterns(opts.AllowedOrigins),
		Log:            log,
	}))
	return r
}

func withCORS(allowed []string) func(http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				if match := matchOrigin(origin, allowed, allowAll); match != "" {
					w.Header().Set("Access-Control-Allow-Origin", match)
					if match != "*" {
						w.Header().Set("Vary", "Origin")
					}
					w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				}
			}
			w.Header().Set("X-Content-Type-Options", "nosniff")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(origin string, allowed []string, allowAll bool) string {
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return a
		}
	}
	if allowAll {
		return "*"
	}
	return ""
}

// originPatterns converts configured origins into the host patterns websocket.Accept
// expects.
func originPatterns(allowed []string) []string {
	var out []string
	for _, a := range allowed {
		if a == "*" {
			return []string{"*"}
		}
		a = strings.TrimPrefix(strings.TrimPrefix(a, "https://"), "http://")
		out = append(out, a)
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
