// Package httpapi is the webhook ingress: POST /webhook/{source} verifies
// and parses an inbound delivery into zero-or-more domain events and hands
// them to the dispatcher one by one. Every delivery gets a size-limited
// body read and signature verification before anything else. GitHub
// deliveries are also deduplicated by delivery ID so redeliveries don't
// double-dispatch; Slack deliveries are not deduplicated.
package httpapi

import (
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"

	"github.com/forgeflow/conductor/internal/dispatch"
	ghsource "github.com/forgeflow/conductor/internal/httpapi/github"
	slacksource "github.com/forgeflow/conductor/internal/httpapi/slack"
)

// maxBodyBytes bounds the size of any single webhook delivery.
const maxBodyBytes = 1 << 20

// Server is the webhook HTTP surface.
type Server struct {
	router *chi.Mux
	log    logr.Logger

	dispatcher *dispatch.Dispatcher

	githubVerifier ghsource.Verifier
	githubParser   ghsource.Parser

	slackVerifier slacksource.Verifier
	slackParser   slacksource.Parser

	admin *Admin

	seen *deliveryCache
}

// Config wires a Server's dependencies. Admin is optional: without it the
// retry/trigger endpoints are not mounted.
type Config struct {
	Dispatcher   *dispatch.Dispatcher
	GitHubSecret string
	SlackSecret  string
	SlackParser  slacksource.Parser
	Admin        *Admin
	Log          logr.Logger
}

// New builds a Server and mounts its routes.
func New(cfg Config) *Server {
	s := &Server{
		log:            cfg.Log,
		dispatcher:     cfg.Dispatcher,
		githubVerifier: ghsource.Verifier{Secret: []byte(cfg.GitHubSecret)},
		githubParser:   ghsource.Parser{},
		slackVerifier:  slacksource.Verifier{SigningSecret: cfg.SlackSecret},
		slackParser:    cfg.SlackParser,
		admin:          cfg.Admin,
		seen:           newDeliveryCache(4096),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", s.handleHealthDetail)
	r.Post("/webhook/github", s.handleGitHub)
	r.Post("/webhook/slack", s.handleSlack)
	if s.admin.enabled() {
		r.Post("/retry/{prNumber}/ci", s.handleRetryCI)
		r.Post("/retry/{prNumber}/review", s.handleRetryReview)
		r.Post("/trigger/{designId}", s.handleTrigger)
	}

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	signature := r.Header.Get(ghsource.SignatureHeader)
	if !s.githubVerifier.Verify(signature, body) {
		s.log.Info("github webhook signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if deliveryID := r.Header.Get(ghsource.DeliveryHeader); deliveryID != "" {
		if s.seen.SeenBefore(deliveryID) {
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	evs, err := s.githubParser.Parse(r.Header.Get(ghsource.EventHeader), body)
	if err != nil {
		s.log.Error(err, "failed to parse github webhook")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	s.dispatcher.DispatchAll(evs)
	s.writeOK(w)
}

func (s *Server) handleSlack(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	timestamp := r.Header.Get(slacksource.TimestampHeader)
	signature := r.Header.Get(slacksource.SignatureHeader)
	if !s.slackVerifier.Verify(timestamp, signature, body) {
		s.log.Info("slack webhook signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	evs, err := s.slackParser.Parse(body)
	if err != nil {
		s.log.Error(err, "failed to parse slack webhook")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	s.dispatcher.DispatchAll(evs)
	s.writeOK(w)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()
	return body, true
}

// deliveryCache is a bounded set of recently-seen delivery IDs, used to
// drop duplicate webhook redeliveries. Eviction is oldest-in-first-out via
// a ring of keys alongside the membership set, since delivery IDs are
// opaque and time-based expiry would need a clock dependency this package
// has no other reason to take on.
type deliveryCache struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]struct{}
}

func newDeliveryCache(capacity int) *deliveryCache {
	return &deliveryCache{cap: capacity, seen: make(map[string]struct{}, capacity)}
}

// SeenBefore reports whether id was already recorded, and records it if not.
func (c *deliveryCache) SeenBefore(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	if len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.order = append(c.order, id)
	c.seen[id] = struct{}{}
	return false
}
