// Package bot – update dispatcher.
//
// The dispatcher is the seam between the event-delivery collaborator and the
// core: it receives one normalized Update at a time and produces zero or more
// outbound send instructions through the Sender. Group traffic feeds the
// activity ledger; private administrator traffic drives broadcast sessions
// and ranking queries. Unauthorized private traffic is ignored without reply.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/faba-community/activity-bot/internal/registry"
	"github.com/faba-community/activity-bot/internal/services"
	"github.com/faba-community/activity-bot/internal/utils"
)

// Update is the normalized inbound event handed over by the webhook layer.
type Update struct {
	UpdateID    int64
	ChatID      int64
	ChatType    string // "private", "group", "supergroup", "channel"
	MemberID    int64  // 0 when the platform reports no author
	IsBot       bool
	DisplayName string
	MessageID   int
	Text        string // message text or media caption
	IsCommand   bool
	Command     string // without the leading slash
	Args        string // raw argument string after the command
	When        time.Time
}

func (u Update) isPrivate() bool { return u.ChatType == "private" }

func (u Update) isGroup() bool {
	return u.ChatType == "group" || u.ChatType == "supergroup"
}

// Sender is the outbound half of the transport collaborator, as consumed by
// the dispatcher.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendHTML(ctx context.Context, chatID int64, text string) error
	SendKeyboard(ctx context.Context, chatID int64, text string, rows [][]string) error
}

// NameResolver resolves a member display name from the platform. Used as a
// fallback when the ledger has no cached name for a ranked member.
type NameResolver interface {
	MemberName(ctx context.Context, memberID int64) string
}

// Dispatcher wires inbound updates to the core services.
type Dispatcher struct {
	Ledger    *services.LedgerService
	Broadcast *services.BroadcastService
	Registry  *registry.Registry
	Access    *registry.AccessList
	Sender    Sender
	Names     NameResolver // optional
}

// Handle processes one update end to end. It never returns an error: every
// failure is either logged (storage, send) or answered to the administrator,
// so a bad update cannot take down the webhook path.
func (d *Dispatcher) Handle(ctx context.Context, u Update) {
	lg := log.With().
		Int64("update_id", u.UpdateID).
		Int64("chat_id", u.ChatID).
		Int64("member_id", u.MemberID).
		Logger()

	switch {
	case u.isGroup() && !u.IsCommand:
		d.handleGroupMessage(ctx, u, lg)
	case u.isPrivate():
		d.handlePrivate(ctx, u, lg)
	default:
		// Channel posts, group commands, etc. — nothing to do.
	}
}

// handleGroupMessage feeds the activity ledger. A storage failure is logged
// and the event skipped; the member simply earns nothing for this message.
func (d *Dispatcher) handleGroupMessage(ctx context.Context, u Update, lg zerolog.Logger) {
	err := d.Ledger.Accrue(ctx, u.ChatID, u.MemberID, u.DisplayName, u.IsBot, u.Text, u.When)
	if err != nil {
		lg.Error().Err(err).Msg("accrual skipped")
	}
}

// handlePrivate routes administrator commands, menu button presses, and
// session message collection. Non-allow-listed members get no reaction at
// all, so probing the bot reveals nothing.
func (d *Dispatcher) handlePrivate(ctx context.Context, u Update, lg zerolog.Logger) {
	if !d.Access.IsAdmin(u.MemberID) {
		return
	}

	if u.IsCommand {
		d.handleCommand(ctx, u, lg)
		return
	}

	if a := actionFor(u.Text); a != actionNone {
		d.handleMenuAction(ctx, u, a, lg)
		return
	}

	// Plain private message: buffer it when a session is collecting,
	// otherwise ignore (idle input is not an error).
	if state, _ := d.Broadcast.StateOf(u.MemberID); state != services.StateCollecting {
		return
	}
	d.collect(ctx, u, lg)
}

func (d *Dispatcher) handleCommand(ctx context.Context, u Update, lg zerolog.Logger) {
	switch u.Command {
	case "menu", "start":
		d.sendMenu(ctx, u, lg)
	case "rank":
		d.replyRank(ctx, u, lg)
	case "top":
		d.replyTop(ctx, u, lg)
	case "broadcast":
		d.startSession(ctx, u, services.ModeProduction, lg)
	case "testcast":
		d.startSession(ctx, u, services.ModeTest, lg)
	case "sendall":
		d.flush(ctx, u, lg)
	case "chats":
		d.replyChatList(ctx, u, lg)
	default:
		// Unknown commands are ignored, same as idle input.
	}
}

func (d *Dispatcher) handleMenuAction(ctx context.Context, u Update, a menuAction, lg zerolog.Logger) {
	switch a {
	case actionTestBroadcast:
		d.startSession(ctx, u, services.ModeTest, lg)
	case actionProductionBroadcast:
		d.startSession(ctx, u, services.ModeProduction, lg)
	case actionChatList:
		d.replyChatList(ctx, u, lg)
	case actionBack:
		d.Broadcast.Reset(u.MemberID)
		d.sendMenu(ctx, u, lg)
	}
}

func (d *Dispatcher) sendMenu(ctx context.Context, u Update, lg zerolog.Logger) {
	d.Broadcast.OpenMenu(u.MemberID)
	rows := menuKeyboard(d.Broadcast.CanTest(u.MemberID))
	d.send(ctx, lg, func() error {
		return d.Sender.SendKeyboard(ctx, u.ChatID, "Choose an action:", rows)
	})
}

func (d *Dispatcher) startSession(ctx context.Context, u Update, mode services.Mode, lg zerolog.Logger) {
	if err := d.Broadcast.SelectMode(u.MemberID, mode); err != nil {
		if errors.Is(err, services.ErrAccessDenied) {
			d.reply(ctx, u, "The test broadcast is available to the owner only.", lg)
			return
		}
		lg.Error().Err(err).Msg("select mode")
		return
	}

	text := "Send the messages to broadcast to every registered chat. When you are done, send /sendall."
	if mode == services.ModeTest {
		text = "Send any messages (text, photo, stickers and so on) for a test broadcast. When you are done, send /sendall."
	}
	d.reply(ctx, u, text, lg)
}

func (d *Dispatcher) collect(ctx context.Context, u Update, lg zerolog.Logger) {
	first, err := d.Broadcast.Collect(u.MemberID, services.MessageRef{
		FromChatID: u.ChatID,
		MessageID:  u.MessageID,
	})
	switch {
	case errors.Is(err, services.ErrBufferFull):
		d.reply(ctx, u, "The session buffer is full. Send /sendall to flush it, or /menu to start over.", lg)
	case err != nil:
		// Session state changed between the state check and the collect;
		// treat it as idle input.
	case first:
		d.reply(ctx, u, "Message added to the broadcast. When you are done, send /sendall and the broadcast will go out.", lg)
	}
}

func (d *Dispatcher) flush(ctx context.Context, u Update, lg zerolog.Logger) {
	report, err := d.Broadcast.Flush(ctx, u.MemberID)
	if err != nil {
		if errors.Is(err, services.ErrNothingToSend) {
			d.reply(ctx, u, "There are no messages to send.", lg)
			return
		}
		lg.Error().Err(err).Msg("flush")
		d.reply(ctx, u, "The broadcast could not be started. Try again with /menu.", lg)
		return
	}

	lg.Info().
		Str("job_id", report.JobID).
		Int("messages", report.Messages).
		Int("targets", report.Targets).
		Int("failed", len(report.FailedByChat)).
		Msg("broadcast finished")

	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast finished: %d message(s) to %d chat(s).", report.Messages, report.Targets)
	if ids := report.FailedChatIDs(); len(ids) > 0 {
		names := make([]string, len(ids))
		for i, id := range ids {
			names[i] = d.Registry.NameOf(id)
		}
		fmt.Fprintf(&b, "\nFailed destinations: %s.", strings.Join(names, ", "))
	}
	b.WriteString("\nSend /menu to start again.")
	d.reply(ctx, u, b.String(), lg)
}

func (d *Dispatcher) replyRank(ctx context.Context, u Update, lg zerolog.Logger) {
	scope, scopeName, ok := d.resolveScope(u.Args)
	if !ok {
		d.reply(ctx, u, "Unknown chat: "+strings.TrimSpace(u.Args), lg)
		return
	}

	rank, err := d.Ledger.Lookup(ctx, u.MemberID, scope)
	if err != nil {
		lg.Error().Err(err).Msg("rank lookup")
		d.reply(ctx, u, "The ranking is unavailable right now, try again later.", lg)
		return
	}

	text := fmt.Sprintf(
		"Your points in %s: %d\nLevel: %d (%d points to the next level)\n\nPoints accrue for messages posted in the registered chats.",
		scopeName, int(rank.TotalPoints), rank.Level, int(rank.ToNext),
	)
	d.reply(ctx, u, text, lg)
}

func (d *Dispatcher) replyTop(ctx context.Context, u Update, lg zerolog.Logger) {
	limitArg, rest := splitLeadingInt(u.Args)
	limit := utils.AtoiDefault(limitArg, 0)

	scope, scopeName, ok := d.resolveScope(rest)
	if !ok {
		d.reply(ctx, u, "Unknown chat: "+strings.TrimSpace(rest), lg)
		return
	}

	rows, err := d.Ledger.Top(ctx, scope, limit)
	if err != nil {
		lg.Error().Err(err).Msg("top query")
		d.reply(ctx, u, "The ranking is unavailable right now, try again later.", lg)
		return
	}
	if len(rows) == 0 {
		d.reply(ctx, u, "No ranking data yet — no one has posted in the registered chats.", lg)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Top %d members by points in %s:\n", len(rows), scopeName)
	for i, row := range rows {
		name := row.DisplayName
		if name == "" && d.Names != nil {
			name = d.Names.MemberName(ctx, row.MemberID)
		}
		if name == "" {
			name = "ID:" + strconv.FormatInt(row.MemberID, 10)
		}
		fmt.Fprintf(&b, "%d. %s — %d points\n", i+1, name, int(row.TotalPoints))
	}
	d.reply(ctx, u, strings.TrimRight(b.String(), "\n"), lg)
}

func (d *Dispatcher) replyChatList(ctx context.Context, u Update, lg zerolog.Logger) {
	var b strings.Builder
	b.WriteString("Registered chats:\n")
	for _, e := range d.Registry.All() {
		if e.InviteLink != "" {
			fmt.Fprintf(&b, "<a href=\"%s\">%s</a>\n", e.InviteLink, html.EscapeString(e.Name))
		} else {
			b.WriteString(html.EscapeString(e.Name) + "\n")
		}
	}
	d.send(ctx, lg, func() error {
		if err := d.Sender.SendHTML(ctx, u.ChatID, strings.TrimRight(b.String(), "\n")); err != nil {
			return err
		}
		return d.Sender.SendKeyboard(ctx, u.ChatID, "Back to the menu:", backKeyboard())
	})
}

// resolveScope maps an optional chat-name argument to a registry chat id.
// An empty argument means the aggregate, all-chats scope.
func (d *Dispatcher) resolveScope(arg string) (chatID int64, scopeName string, ok bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return 0, "all chats", true
	}
	e, found := d.Registry.ByName(arg)
	if !found {
		return 0, "", false
	}
	return e.ChatID, e.Name, true
}

// reply sends a plain-text answer, logging (not propagating) send failures.
func (d *Dispatcher) reply(ctx context.Context, u Update, text string, lg zerolog.Logger) {
	d.send(ctx, lg, func() error {
		return d.Sender.SendText(ctx, u.ChatID, text)
	})
}

func (d *Dispatcher) send(ctx context.Context, lg zerolog.Logger, fn func() error) {
	if err := fn(); err != nil {
		lg.Error().Err(err).Msg("send reply")
	}
}

// splitLeadingInt splits "10 Moscow" into ("10", "Moscow"); when the first
// field is not numeric the whole string is returned as the remainder.
func splitLeadingInt(s string) (num, rest string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", ""
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return "", s
	}
	return fields[0], strings.Join(fields[1:], " ")
}
