package routes

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"memefi/gateway/middleware"
)

// Config wires every gateway surface onto one router. Node points at the
// memefi node JSON-RPC endpoint and NodeToken is the bearer credential the
// gateway presents when forwarding mutations.
type Config struct {
	Node          *url.URL
	NodeToken     string
	NodeTimeout   time.Duration
	CompatHandler http.Handler
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	WriteScopes   []string
}

func New(cfg Config) (http.Handler, error) {
	memes, err := newMemeRoutes(cfg.Node, cfg.NodeToken, cfg.NodeTimeout)
	if err != nil {
		return nil, fmt.Errorf("configure meme routes: %w", err)
	}
	writeScopes := cfg.WriteScopes
	if len(writeScopes) == 0 {
		writeScopes = []string{"meme.write"}
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.CompatHandler != nil {
		compat := cfg.CompatHandler
		if cfg.RateLimiter != nil {
			compat = cfg.RateLimiter.Middleware("rpc")(compat)
		}
		r.Handle("/rpc", compat)
	}

	r.Route("/v1", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("v1"))
		}
		if obs != nil {
			sr.Use(obs.Middleware("v1"))
		}
		memes.mount(sr, cfg.Authenticator, writeScopes)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}
