package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/forgeflow/conductor/internal/events"
	"github.com/forgeflow/conductor/internal/queue"
	"github.com/forgeflow/conductor/internal/store"
)

// Admin bundles the dependencies behind the manual-intervention endpoints.
// A Server built without it only serves webhooks and a bare health check.
type Admin struct {
	Designs *store.DesignRepo
	PRs     *store.PRStateRepo
	Queues  *queue.Manager
	DB      *store.DB
}

func (a *Admin) enabled() bool { return a != nil && a.PRs != nil }

// handleRetryCI resets an exhausted PR's CI attempt counter and replays a
// ci:failed event so the triage path runs again from a clean slate.
func (s *Server) handleRetryCI(w http.ResponseWriter, r *http.Request) {
	prNumber, ok := s.prNumberParam(w, r)
	if !ok {
		return
	}
	if err := s.admin.PRs.ResetCIAttempts(prNumber); err != nil {
		s.adminError(w, errors.Wrap(err, "reset ci attempts"))
		return
	}
	ev := events.New(events.KindCIFailed, events.SourceInternal, time.Time{})
	ev.PRNumber = prNumber
	s.dispatcher.Dispatch(ev)
	s.writeOK(w)
}

// handleRetryReview resets the review attempt counter and replays the review
// path via a pr:comment event so the code-writer gets a fresh pass.
func (s *Server) handleRetryReview(w http.ResponseWriter, r *http.Request) {
	prNumber, ok := s.prNumberParam(w, r)
	if !ok {
		return
	}
	if err := s.admin.PRs.ResetReviewAttempts(prNumber); err != nil {
		s.adminError(w, errors.Wrap(err, "reset review attempts"))
		return
	}
	ev := events.New(events.KindPRComment, events.SourceInternal, time.Time{})
	ev.PRNumber = prNumber
	ev.Comments = []string{"manual review retry requested"}
	s.dispatcher.Dispatch(ev)
	s.writeOK(w)
}

// handleTrigger manually re-emits a task:requested event for a stuck design.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	designID := chi.URLParam(r, "designId")
	design, err := s.admin.Designs.Get(designID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown design", http.StatusNotFound)
			return
		}
		s.adminError(w, errors.Wrap(err, "get design"))
		return
	}
	ev := events.New(events.KindTaskRequested, events.SourceInternal, time.Time{})
	ev.DesignID = design.ID
	ev.AgentName = "architect"
	ev.TaskType = "design"
	ev.Message = design.Description
	s.dispatcher.Dispatch(ev)
	s.writeOK(w)
}

type queueHealth struct {
	Depth   int   `json:"depth"`
	Dropped int64 `json:"dropped"`
}

type health struct {
	OK     bool                   `json:"ok"`
	DB     string                 `json:"db,omitempty"`
	Queues map[string]queueHealth `json:"queues,omitempty"`
}

// handleHealthDetail reports queue depths and database reachability on top
// of the plain liveness answer.
func (s *Server) handleHealthDetail(w http.ResponseWriter, r *http.Request) {
	out := health{OK: true}

	if s.admin.enabled() && s.admin.DB != nil {
		out.DB = "ok"
		var one int
		if err := s.admin.DB.QueryRowContext(r.Context(), "SELECT 1").Scan(&one); err != nil {
			out.OK = false
			out.DB = err.Error()
		}
	}
	if s.admin.enabled() && s.admin.Queues != nil {
		out.Queues = make(map[string]queueHealth, 4)
		for _, name := range []string{queue.NameArchitect, queue.NameCodeWriter, queue.NameReviewer, queue.NameOrchestrator} {
			if q, ok := s.admin.Queues.Queue(name); ok {
				out.Queues[name] = queueHealth{Depth: q.Len(), Dropped: q.Dropped()}
			}
		}
	}

	code := http.StatusOK
	if !out.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(out) //nolint:errcheck
}

func (s *Server) prNumberParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "prNumber"))
	if err != nil || n <= 0 {
		http.Error(w, "invalid pr number", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func (s *Server) adminError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.log.Error(err, "admin endpoint failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok": true}`)) //nolint:errcheck
}
