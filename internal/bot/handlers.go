package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"canteen/internal/canteenapi"
	"canteen/internal/lifecycle"
	"canteen/internal/models"
	"canteen/internal/occupancy"
	"canteen/internal/render"
	"canteen/internal/report"
	"canteen/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	cbPage    = "page:"
	cbCanteen = "cnt:"
	cbFilter  = "flt:"
	cbTable   = "tbl:"
	cbReserve = "res:"
	cbCheckIn = "chk"
	cbCancel  = "cxl"

	deepLinkCheckIn = "checkin_"
)

const helpText = `Commands:
/canteens - list canteens
/canteen <id> [all|available|reserved|unavailable] - show tables
/token <jwt> - log in with your token
/logout - forget your token
/reserve <tableId> [10|15] - reserve a table
/checkin [tableId] - check in to your reservation
/cancel - cancel your reservation
/status - current reservation
/my - your reservations
/export - your reservations as xlsx`

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (b *Bot) handleCanteen(ctx context.Context, chatID int64, args []string) {
	st := b.chat(ctx, chatID)
	if len(args) == 0 {
		if st.canteenID == "" {
			b.reply(chatID, "Usage: /canteen <id> [filter]")
			return
		}
		args = []string{st.canteenID}
	}

	filter := st.filter
	if len(args) > 1 {
		f, err := occupancy.ParseStatusFilter(args[1])
		if err != nil {
			b.reply(chatID, "Unknown filter. Use all, available, reserved or unavailable.")
			return
		}
		filter = f
	}
	if args[0] != st.canteenID && len(args) == 1 {
		filter = occupancy.FilterAll
	}

	c, err := b.api.GetCanteen(ctx, args[0])
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("canteen_id", args[0]).Msg("get canteen failed")
		b.reply(chatID, lifecycle.UserMessage(err))
		if errors.Is(err, canteenapi.ErrNotFound) {
			b.sendCanteenPage(ctx, chatID, 0, 0)
		}
		return
	}
	st.canteenID = args[0]
	st.filter = filter

	msg := tgbotapi.NewMessage(chatID, render.CanteenDetail(c, filter, b.overlay.Snapshot()))
	msg.ReplyMarkup = canteenKeyboard(c, filter)
	b.send(msg)
}

func (b *Bot) handleToken(ctx context.Context, msg *tgbotapi.Message, args []string) {
	chatID := msg.Chat.ID
	// The token should not stay in the chat history.
	_, _ = b.tg.Request(tgbotapi.NewDeleteMessage(chatID, msg.MessageID))

	if len(args) != 1 {
		b.reply(chatID, "Usage: /token <jwt>")
		return
	}
	st := b.chat(ctx, chatID)
	if err := st.session.Login(args[0]); err != nil {
		b.reply(chatID, "This token is not valid or has expired.")
		return
	}
	cred, _ := st.session.Credential()
	if err := b.store.SaveToken(ctx, chatID, cred.Token, cred.Subject); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("save token failed")
	}
	b.reply(chatID, "Logged in.")
}

func (b *Bot) handleLogout(ctx context.Context, chatID int64) {
	st := b.chat(ctx, chatID)
	if err := st.client.Reset(); err != nil {
		b.reply(chatID, lifecycle.UserMessage(err))
		return
	}
	st.session.Logout()
	b.reminders.cancel(chatID)
	if err := b.store.DeleteToken(ctx, chatID); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("delete token failed")
	}
	_ = b.store.DeleteAttempt(ctx, chatID)
	b.state.reset(chatID)
	b.reply(chatID, "Logged out.")
}

func (b *Bot) handleReserve(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 || args[0] == "" {
		b.reply(chatID, "Usage: /reserve <tableId> [10|15]")
		return
	}
	tableID := args[0]
	minutes := b.opts.DefaultDuration
	if len(args) > 1 {
		minutes = atoiDefault(args[1], 0)
	}

	st := b.chat(ctx, chatID)
	cred, _ := st.session.Credential()
	res, err := st.client.Create(ctx, tableID, minutes, cred)
	b.afterOp(ctx, chatID, st, "create", tableID, err)
	if err != nil {
		b.reply(chatID, lifecycle.UserMessage(err))
		return
	}

	b.reminders.schedule(chatID, *res, b.opts.ReminderLead, b.sendReminder)
	msg := tgbotapi.NewMessage(chatID, render.Reservation(res))
	msg.ReplyMarkup = attemptKeyboard()
	b.send(msg)
}

// handleCheckIn activates the chat's reservation. A table id, as given by a
// QR deep link, checks in by table. On failure the canteen list is shown.
func (b *Bot) handleCheckIn(ctx context.Context, chatID int64, tableID string, byTable bool) {
	st := b.chat(ctx, chatID)
	cred, _ := st.session.Credential()

	var err error
	if byTable {
		err = st.client.ActivateTable(ctx, tableID, cred)
	} else {
		err = st.client.Activate(ctx, cred)
		tableID = st.client.Attempt().TableID
	}
	b.afterOp(ctx, chatID, st, "activate", tableID, err)
	if err != nil {
		b.reply(chatID, "Check-in failed: "+lifecycle.UserMessage(err))
		b.sendCanteenPage(ctx, chatID, 0, 0)
		return
	}
	b.reminders.cancel(chatID)
	b.reply(chatID, "Checked in. Enjoy your meal!")
}

func (b *Bot) handleCancel(ctx context.Context, chatID int64) {
	st := b.chat(ctx, chatID)
	cred, _ := st.session.Credential()
	tableID := st.client.Attempt().TableID

	err := st.client.Cancel(ctx, cred)
	b.afterOp(ctx, chatID, st, "cancel", tableID, err)
	if err != nil {
		b.reply(chatID, lifecycle.UserMessage(err))
		return
	}
	b.reminders.cancel(chatID)
	b.reply(chatID, "Reservation cancelled.")
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	st := b.chat(ctx, chatID)
	a := st.client.Attempt()
	msg := tgbotapi.NewMessage(chatID, render.Attempt(a))
	if a.State == lifecycle.StateAwaitingAction {
		msg.ReplyMarkup = attemptKeyboard()
	}
	b.send(msg)
}

func (b *Bot) handleMy(ctx context.Context, chatID int64) {
	list, err := b.myReservations(ctx, chatID)
	if err != nil {
		b.reply(chatID, lifecycle.UserMessage(err))
		return
	}
	b.reply(chatID, render.Reservations(list))
}

func (b *Bot) handleExport(ctx context.Context, chatID int64) {
	list, err := b.myReservations(ctx, chatID)
	if err != nil {
		b.reply(chatID, lifecycle.UserMessage(err))
		return
	}
	actions, err := b.store.RecentActions(ctx, chatID, 100)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("load actions failed")
	}

	var buf bytes.Buffer
	if err := (report.Export{Reservations: list, Actions: actions}).Write(&buf); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("build export failed")
		b.reply(chatID, "Could not build the export.")
		return
	}
	b.send(tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: "reservations.xlsx", Bytes: buf.Bytes()}))
}

func (b *Bot) myReservations(ctx context.Context, chatID int64) ([]models.Reservation, error) {
	st := b.chat(ctx, chatID)
	cred, err := st.session.Credential()
	if err != nil {
		return nil, err
	}
	return b.api.MyReservations(ctx, cred.Token)
}

// afterOp records the outcome of a lifecycle operation and persists the
// attempt so it can be reconciled after a restart.
func (b *Bot) afterOp(ctx context.Context, chatID int64, st *chatState, op, tableID string, opErr error) {
	l := zerolog.Ctx(ctx)
	a := st.client.Attempt()

	outcome := "ok"
	if opErr != nil {
		outcome = "error"
		if errors.Is(opErr, lifecycle.ErrInFlight) {
			outcome = "in_flight"
		}
	}
	if err := b.store.LogAction(ctx, store.Action{
		ChatID:        chatID,
		Op:            op,
		TableID:       tableID,
		ReservationID: attemptReservationID(a),
		Outcome:       outcome,
	}); err != nil {
		l.Warn().Err(err).Msg("log action failed")
	}

	if errors.Is(opErr, canteenapi.ErrUnauthorized) {
		st.session.Logout()
		_ = b.store.DeleteToken(ctx, chatID)
	}

	if a.State.InFlight() {
		return
	}
	var err error
	if a.Reservation != nil {
		err = b.store.SaveAttempt(ctx, store.AttemptRecord{
			ChatID:          chatID,
			ReservationID:   a.Reservation.ID,
			TableID:         a.Reservation.TableID,
			DurationMinutes: a.Reservation.DurationMinutes,
			Status:          string(a.Reservation.Status),
		})
	} else {
		err = b.store.DeleteAttempt(ctx, chatID)
	}
	if err != nil {
		l.Warn().Err(err).Msg("persist attempt failed")
	}
}

// restore reloads a chat's token and reconciles its last attempt against
// GET /reservation/my. A reservation the server no longer lists is dropped.
func (b *Bot) restore(ctx context.Context, chatID int64, st *chatState) {
	l := zerolog.Ctx(ctx)
	token, err := b.store.GetToken(ctx, chatID)
	if err != nil {
		l.Warn().Err(err).Msg("load token failed")
		return
	}
	if token == "" {
		return
	}
	if err := st.session.Login(token); err != nil {
		l.Info().Err(err).Msg("stored token no longer usable")
		_ = b.store.DeleteToken(ctx, chatID)
		return
	}

	rec, err := b.store.GetAttempt(ctx, chatID)
	if err != nil || rec == nil {
		return
	}
	cred, _ := st.session.Credential()
	list, err := b.api.MyReservations(ctx, cred.Token)
	if err != nil {
		l.Warn().Err(err).Msg("reconcile attempt failed")
		return
	}
	for _, r := range list {
		if r.ID != rec.ReservationID {
			continue
		}
		if err := st.client.Resume(r); err != nil {
			l.Warn().Err(err).Msg("resume attempt failed")
		}
		if r.Status.IsTerminal() {
			_ = b.store.DeleteAttempt(ctx, chatID)
		} else if r.Status == models.ReservationPending {
			b.reminders.schedule(chatID, r, b.opts.ReminderLead, b.sendReminder)
		}
		return
	}
	_ = b.store.DeleteAttempt(ctx, chatID)
}

func (b *Bot) sendDurationChoice(chatID int64, tableID string) {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(models.AllowedDurations))
	for _, d := range models.AllowedDurations {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("%d min", d),
			fmt.Sprintf("%s%s:%d", cbReserve, tableID, d),
		))
	}
	msg := tgbotapi.NewMessage(chatID, "How long do you need the table?")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	b.send(msg)
}

func canteenKeyboard(c *models.Canteen, f occupancy.StatusFilter) tgbotapi.InlineKeyboardMarkup {
	filters := []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonData("All", cbFilter+c.ID+":all"),
	}
	for _, s := range models.TableStatuses {
		filters = append(filters, tgbotapi.NewInlineKeyboardButtonData(render.StatusLabel(s), cbFilter+c.ID+":"+string(s)))
	}
	rows := [][]tgbotapi.InlineKeyboardButton{filters}

	var row []tgbotapi.InlineKeyboardButton
	for _, t := range occupancy.FilterTables(models.FlattenTables(c), f) {
		if t.Status != models.TableAvailable {
			continue
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("Reserve #"+t.Number.String(), cbTable+t.ID))
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Refresh", cbCanteen+c.ID),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func attemptKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Check in", cbCheckIn),
		tgbotapi.NewInlineKeyboardButtonData("Cancel", cbCancel),
	))
}

func attemptReservationID(a lifecycle.Attempt) string {
	if a.Reservation != nil {
		return a.Reservation.ID
	}
	return a.ClosedID
}
