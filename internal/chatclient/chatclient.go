// Package chatclient sends notifications to the originating chat surface
// and threads them under the originating message where possible.
package chatclient

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
)

// Client is the chat client contract used by route-map handlers to post
// user-visible transition notifications.
type Client interface {
	// Send posts text to a channel, threaded under threadTS if non-empty.
	// Chat sends tolerate duplicates, so callers never need to dedupe.
	Send(ctx context.Context, channelID, threadTS, text string) error
	// GetUserName resolves a Slack user id to a display name, falling back
	// through profile display name, profile real name, user real name,
	// username, and finally the id itself.
	GetUserName(ctx context.Context, userID string) (string, error)
}

type client struct {
	api     *slack.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client authenticated with a bot token.
func New(token string) Client {
	return &client{
		api:     slack.New(token),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "chatclient"}),
	}
}

func (c *client) Send(_ context.Context, channelID, threadTS, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, err := c.breaker.Execute(func() (any, error) {
		_, _, err := c.api.PostMessage(channelID, opts...)
		if err != nil {
			return nil, fmt.Errorf("chatclient: post message: %w", err)
		}
		return nil, nil
	})
	return err
}

// GetUserName implements the display-name fallback chain slack-go doesn't
// provide itself: profile display name, profile real name, user real name,
// username, then the raw user id.
func (c *client) GetUserName(_ context.Context, userID string) (string, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		user, err := c.api.GetUserInfo(userID)
		if err != nil {
			return "", fmt.Errorf("chatclient: get user info: %w", err)
		}
		return user, nil
	})
	if err != nil {
		return "", err
	}
	user := result.(*slack.User)

	switch {
	case user.Profile.DisplayName != "":
		return user.Profile.DisplayName, nil
	case user.Profile.RealName != "":
		return user.Profile.RealName, nil
	case user.RealName != "":
		return user.RealName, nil
	case user.Name != "":
		return user.Name, nil
	}
	return userID, nil
}
