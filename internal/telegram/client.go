package telegram

import (
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client is a thin wrapper over the bot API used only for out-of-band
// operations: clearing a stuck server-side session and verifying the token.
// The long-polling protocol itself belongs to the supervised bot client and
// is never driven from here.
type Client struct {
	api *tgbotapi.BotAPI
}

// New validates the token against the API and returns a client.
func New(token string) (*Client, error) {
	if token == "" {
		return nil, errors.New("empty bot token")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot api: %w", err)
	}
	return &Client{api: api}, nil
}

// DropPendingUpdates deletes any webhook and discards queued updates. This is
// the documented remedy when the remote side still believes another session
// holds the long-poll lease.
func (c *Client) DropPendingUpdates() error {
	_, err := c.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true})
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Check verifies API reachability and returns the bot's username.
func (c *Client) Check() (string, error) {
	u, err := c.api.GetMe()
	if err != nil {
		return "", fmt.Errorf("getMe: %w", err)
	}
	return u.UserName, nil
}
