package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/conductor/internal/events"
)

func signSlack(secret, timestamp string, body []byte) string {
	base := fmt.Sprintf("v0:%s:%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifier_AcceptsFreshValidRequest(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"type":"event_callback"}`)
	v := Verifier{SigningSecret: "secret", Now: func() time.Time { return now }}
	assert.True(t, v.Verify(ts, signSlack("secret", ts, body), body))
}

func TestVerifier_RejectsOutsideReplayWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-10 * time.Minute)
	ts := strconv.FormatInt(stale.Unix(), 10)
	body := []byte(`{"type":"event_callback"}`)
	v := Verifier{SigningSecret: "secret", Now: func() time.Time { return now }}
	assert.False(t, v.Verify(ts, signSlack("secret", ts, body), body))
}

func TestVerifier_RejectsBadSignature(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)
	v := Verifier{SigningSecret: "secret", Now: func() time.Time { return now }}
	assert.False(t, v.Verify(ts, "v0=deadbeef", []byte("body")))
}

func TestParse_FiltersBotMessages(t *testing.T) {
	p := Parser{}
	evs, err := p.Parse([]byte(`{"event": {"type": "message", "bot_id": "B1", "text": "hi"}}`))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestParse_HumanMessageBecomesTaskRequested(t *testing.T) {
	p := Parser{}
	evs, err := p.Parse([]byte(`{"event": {"type": "message", "user": "U1", "channel": "C1", "ts": "123.456", "text": "build the thing"}}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindTaskRequested, evs[0].Kind)
	assert.Equal(t, "build the thing", evs[0].Message)
	assert.NotNil(t, evs[0].Ack)
}

func TestVerifier_ReplayWindowEdge(t *testing.T) {
	sent := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(sent.Unix(), 10)
	body := []byte(`{"type":"event_callback"}`)
	sig := signSlack("secret", ts, body)

	// Verified the instant it was sent: accepted.
	v := Verifier{SigningSecret: "secret", Now: func() time.Time { return sent }}
	assert.True(t, v.Verify(ts, sig, body))

	// 301 seconds later the same request is a replay.
	v.Now = func() time.Time { return sent.Add(301 * time.Second) }
	assert.False(t, v.Verify(ts, sig, body))
}

func TestVerifier_SingleByteMutationFails(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"type":"event_callback"}`)
	sig := signSlack("secret", ts, body)
	v := Verifier{SigningSecret: "secret", Now: func() time.Time { return now }}

	mutated := append([]byte(nil), body...)
	mutated[0] ^= 1
	assert.False(t, v.Verify(ts, sig, mutated))

	laterTS := strconv.FormatInt(now.Unix()+1, 10)
	assert.False(t, v.Verify(laterTS, sig, body))
}
