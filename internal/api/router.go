// Package api exposes the messaging service over HTTP: the send and history
// endpoints, the online-user list, the live-connection upgrade, health and
// metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/metrics"
	"github.com/whisper/securechat/internal/protocol"
	"github.com/whisper/securechat/internal/ratelimit"
)

var log = logrus.WithField("component", "api")

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 10 << 10

// MessageService is the send and history path. *message.Service implements it.
type MessageService interface {
	Send(ctx context.Context, senderID, receiverID, text string) (protocol.MessageView, error)
	History(ctx context.Context, readerID, otherID string) ([]protocol.MessageView, error)
}

// OnlineLister reports online users. *realtime.Hub implements it.
type OnlineLister interface {
	OnlineUsers(ctx context.Context) []string
}

// LiveServer accepts live connections. *ws.Server implements it.
type LiveServer interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
	Count() int
	Uptime() time.Duration
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds what the handlers need. Limiter, Live and Checks may be
// nil.
type Dependencies struct {
	Messages     MessageService
	Online       OnlineLister
	Live         LiveServer
	Authenticate func(r *http.Request) (string, error)
	Limiter      *ratelimit.Limiter
	CORSOrigins  []string
	Checks       map[string]Pinger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Dependencies) http.Handler {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if deps.Live != nil {
		r.Get("/ws", deps.Live.HandleUpgrade)
	}

	r.Route("/api", func(r chi.Router) {
		if deps.Limiter != nil {
			r.Use(deps.Limiter.Middleware(ratelimit.RuleAPI))
		}
		r.Use(limitBody(MaxBodyBytes))
		r.Use(requireAuth(deps.Authenticate))

		r.Route("/messages", func(r chi.Router) {
			r.With(sendLimit(deps.Limiter)).Post("/send/{id}", h.sendMessage)
			r.Get("/{id}", h.getMessages)
		})
		r.Get("/users/online", h.onlineUsers)
	})

	return r
}

func sendLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware(ratelimit.RuleSend)
}
