// Package slack implements the chat webhook source: Slack's documented
// `v0:{timestamp}:{body}` request-signing scheme (HMAC-SHA256 over that
// base string, constant-time compare) and event-callback payload parsing
// into domain events. The verifier is written out here rather than
// delegated to slack-go's SecretsVerifier so the replay-window check is
// visible and independently testable.
package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forgeflow/conductor/internal/chatclient"
	"github.com/forgeflow/conductor/internal/events"
)

const (
	TimestampHeader = "X-Slack-Request-Timestamp"
	SignatureHeader = "X-Slack-Signature"

	replayWindow = 5 * time.Minute
)

// Verifier checks Slack's v0 request signature and rejects stale requests
// outside the replay window.
type Verifier struct {
	SigningSecret string
	Now           func() time.Time // overridable in tests; defaults to time.Now
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify checks signature against the HMAC-SHA256 of "v0:{timestamp}:{body}"
// under SigningSecret, and rejects the request if timestamp is further than
// the replay window from now.
func (v Verifier) Verify(timestamp, signature string, body []byte) bool {
	if v.SigningSecret == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	reqTime := time.Unix(ts, 0)
	if d := v.now().Sub(reqTime); d > replayWindow || d < -replayWindow {
		return false
	}

	const prefix = "v0="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, prefix))
	if err != nil {
		return false
	}

	base := fmt.Sprintf("v0:%s:%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(v.SigningSecret))
	mac.Write([]byte(base))
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

type eventCallback struct {
	Type  string `json:"type"`
	Event struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		BotID   string `json:"bot_id"`
		User    string `json:"user"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		Ts      string `json:"ts"`
	} `json:"event"`
}

// Parser turns one Slack event-callback payload into zero or more domain
// events. Parse is pure over its input; Chat is only used to build the
// Ack closure each task:requested event carries, never invoked during
// parsing itself.
type Parser struct {
	Chat chatclient.Client
}

// Parse filters out bot-originated messages and turns a plain message event
// into a task:requested event carrying an Ack callback that replies in the
// same thread.
func (p Parser) Parse(body []byte) ([]events.Event, error) {
	var cb eventCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("slack: parse event callback: %w", err)
	}
	if cb.Event.Type != "message" {
		return nil, nil
	}
	if cb.Event.BotID != "" || cb.Event.Subtype == "bot_message" {
		return nil, nil
	}

	channel, ts, text, user := cb.Event.Channel, cb.Event.Ts, cb.Event.Text, cb.Event.User
	chat := p.Chat
	out := events.New(events.KindTaskRequested, events.SourceSlack, time.Time{})
	out.Message = text
	out.SenderID = user
	out.Ack = func(reply string) error {
		if chat == nil {
			return nil
		}
		return chat.Send(context.Background(), channel, ts, reply)
	}
	return []events.Event{out}, nil
}
