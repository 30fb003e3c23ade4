// Package handlers provides the HTTP handlers for the webhook surface.
//
// The webhook endpoint is transport-thin: it decodes the platform update,
// runs the dedup gate, normalizes the payload, and hands it to the
// dispatcher. It always answers 200 — a non-2xx would make the platform
// requeue and redeliver the update, which is never what a processing failure
// wants here (failures are logged and handled inside the core).
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/faba-community/activity-bot/internal/bot"
	"github.com/faba-community/activity-bot/internal/http/middleware"
	"github.com/faba-community/activity-bot/internal/repo"
)

// UpdateDispatcher consumes one normalized update.
type UpdateDispatcher interface {
	Handle(ctx context.Context, u bot.Update)
}

// MarkProcessedFunc records an update id, returning repo.ErrDuplicate when
// the id was already seen (platform redelivery).
type MarkProcessedFunc func(ctx context.Context, updateID int64) error

// WebhookHandler receives platform updates.
type WebhookHandler struct {
	Dispatch      UpdateDispatcher
	MarkProcessed MarkProcessedFunc
}

// Webhook handles POST /webhook… requests.
func (h *WebhookHandler) Webhook(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	var upd tgbotapi.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		lg.Warn().Err(err).Msg("undecodable update")
		c.String(http.StatusOK, "OK")
		return
	}

	// Dedup gate: a redelivered update must not accrue points or mutate a
	// session twice. A failing gate is logged and the update processed
	// anyway — availability over exactness for a non-idempotent edge case.
	if h.MarkProcessed != nil {
		switch err := h.MarkProcessed(c.Request.Context(), int64(upd.UpdateID)); {
		case errors.Is(err, repo.ErrDuplicate):
			lg.Info().Int("update_id", upd.UpdateID).Msg("duplicate update skipped")
			c.String(http.StatusOK, "OK")
			return
		case err != nil:
			lg.Error().Err(err).Int("update_id", upd.UpdateID).Msg("dedup gate failed")
		}
	}

	if u, ok := normalize(upd); ok {
		// The platform closes slow webhook calls; a cancelled request must
		// not abort a flush already in flight.
		h.Dispatch.Handle(context.WithoutCancel(c.Request.Context()), u)
	}

	c.String(http.StatusOK, "OK")
}

// normalize converts a platform update into the dispatcher's Update. Edits,
// callbacks, and other non-message updates are dropped here.
func normalize(upd tgbotapi.Update) (bot.Update, bool) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return bot.Update{}, false
	}

	u := bot.Update{
		UpdateID:  int64(upd.UpdateID),
		ChatID:    msg.Chat.ID,
		ChatType:  msg.Chat.Type,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		When:      time.Unix(int64(msg.Date), 0),
	}
	if u.Text == "" {
		u.Text = msg.Caption
	}
	if msg.From != nil {
		u.MemberID = msg.From.ID
		u.IsBot = msg.From.IsBot
		u.DisplayName = displayName(msg.From)
	}
	if msg.IsCommand() {
		u.IsCommand = true
		u.Command = msg.Command()
		u.Args = msg.CommandArguments()
	}
	return u, true
}

// displayName prefers the username and falls back to the profile name.
func displayName(from *tgbotapi.User) string {
	if from.UserName != "" {
		return from.UserName
	}
	return strings.TrimSpace(strings.TrimSpace(from.FirstName) + " " + strings.TrimSpace(from.LastName))
}
