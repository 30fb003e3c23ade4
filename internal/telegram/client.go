// Package telegram implements the delivery transport over the Telegram Bot
// API. It satisfies the narrow interfaces the service and dispatcher layers
// declare (copy/send/keyboard/name lookup) so that no other package imports
// the platform SDK.
package telegram

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/faba-community/activity-bot/internal/services"
)

// callTimeout bounds every Bot API round trip. The core treats a timeout the
// same as any other transport error: a target-level failure.
const callTimeout = 20 * time.Second

// Client wraps the Telegram Bot API as the bot's delivery transport.
type Client struct {
	api *tgbotapi.BotAPI
}

// New authenticates against the Bot API with the given token.
func New(token string) (*Client, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{
		Timeout: callTimeout,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "telegram").Str("bot", api.Self.UserName).Msg("authenticated")
	return &Client{api: api}, nil
}

// EnsureWebhook points the platform at the public callback URL, dropping any
// updates queued while the bot was down (stale updates must not replay into
// the ledger hours later).
func (c *Client) EnsureWebhook(publicURL string) error {
	if _, err := c.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(publicURL)
	if err != nil {
		return err
	}
	_, err = c.api.Request(wh)
	return err
}

// CopyMessage reproduces the referenced message in the target chat. Telegram
// re-encodes text, media, and captions server-side, so the bot never touches
// message content.
func (c *Client) CopyMessage(_ context.Context, toChatID int64, ref services.MessageRef) error {
	_, err := c.api.CopyMessage(tgbotapi.NewCopyMessage(toChatID, ref.FromChatID, ref.MessageID))
	return err
}

// SendText sends a plain text message.
func (c *Client) SendText(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := c.api.Send(msg)
	return err
}

// SendHTML sends an HTML-formatted message with link previews disabled
// (used for the chat list, which is mostly invite links).
func (c *Client) SendHTML(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := c.api.Send(msg)
	return err
}

// SendKeyboard sends text together with a one-time reply keyboard whose
// buttons are laid out row by row.
func (c *Client) SendKeyboard(_ context.Context, chatID int64, text string, rows [][]string) error {
	kb := make([][]tgbotapi.KeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tgbotapi.KeyboardButton, 0, len(row))
		for _, label := range row {
			btns = append(btns, tgbotapi.NewKeyboardButton(label))
		}
		kb = append(kb, btns)
	}
	markup := tgbotapi.NewReplyKeyboard(kb...)
	markup.OneTimeKeyboard = true
	markup.ResizeKeyboard = true

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	_, err := c.api.Send(msg)
	return err
}

// MemberName resolves a display name for a member id, preferring the
// username. Lookup failures degrade to a numeric placeholder instead of
// erroring: ranking output should never fail over one missing profile.
func (c *Client) MemberName(_ context.Context, memberID int64) string {
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: memberID},
	})
	if err != nil {
		return "ID:" + strconv.FormatInt(memberID, 10)
	}
	if chat.UserName != "" {
		return chat.UserName
	}
	name := strings.TrimSpace(strings.TrimSpace(chat.FirstName) + " " + strings.TrimSpace(chat.LastName))
	if name == "" {
		return "ID:" + strconv.FormatInt(memberID, 10)
	}
	return name
}
