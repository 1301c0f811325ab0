package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/conductor/internal/dispatch"
	"github.com/forgeflow/conductor/internal/events"
)

type fakePusher struct{ pushed []events.Event }

func (f *fakePusher) Push(queue string, ev events.Event) error {
	f.pushed = append(f.pushed, ev)
	return nil
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) (*Server, *fakePusher) {
	t.Helper()
	registry := dispatch.NewRegistry(logr.Discard())
	registry.Add(dispatch.Handler{Name: "all", Match: func(events.Event) bool { return true }, Queue: "orchestrator"})
	pusher := &fakePusher{}
	d := dispatch.NewDispatcher(registry, pusher, logr.Discard())
	return New(Config{Dispatcher: d, GitHubSecret: "shh", Log: logr.Discard()}), pusher
}

func TestHandleGitHub_RejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{"check_suite": {"conclusion": "success"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=bad")
	req.Header.Set("X-GitHub-Event", "check_suite")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleGitHub_DispatchesValidEvent(t *testing.T) {
	s, pusher := newTestServer(t)
	body := []byte(`{"check_suite": {"conclusion": "success"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign([]byte("shh"), body))
	req.Header.Set("X-GitHub-Event", "check_suite")
	req.Header.Set("X-GitHub-Delivery", "d1")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, pusher.pushed, 1)
	assert.Equal(t, events.KindCIPassed, pusher.pushed[0].Kind)
}

func TestHandleGitHub_DuplicateDeliveryIsDropped(t *testing.T) {
	s, pusher := newTestServer(t)
	body := []byte(`{"check_suite": {"conclusion": "success"}}`)
	sig := sign([]byte("shh"), body)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sig)
		req.Header.Set("X-GitHub-Event", "check_suite")
		req.Header.Set("X-GitHub-Delivery", "dup-1")
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Len(t, pusher.pushed, 1, "second delivery with the same id must not be re-dispatched")
}

func TestDeliveryCache_RepeatWithinCapacityIsDetected(t *testing.T) {
	c := newDeliveryCache(2)
	assert.False(t, c.SeenBefore("a"))
	assert.True(t, c.SeenBefore("a"))
}

func TestDeliveryCache_EvictsOldestPastCapacity(t *testing.T) {
	c := newDeliveryCache(2)
	assert.False(t, c.SeenBefore("a"))
	assert.False(t, c.SeenBefore("b"))
	assert.False(t, c.SeenBefore("c")) // past capacity, evicts "a"
	assert.False(t, c.SeenBefore("a")) // "a" was evicted, so this is new again
}
