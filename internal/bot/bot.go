package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"canteen/internal/events"
	"canteen/internal/lifecycle"
	"canteen/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tune the bot. Zero values pick defaults.
type Options struct {
	OperationTimeout time.Duration
	DefaultDuration  int
	// ReminderLead is how long before expiry an unchecked reservation is
	// reminded about.
	ReminderLead time.Duration
	Guard        lifecycle.Guard
	Bus          *events.EventBus
	// Debug turns on request logging in the Telegram client.
	Debug bool
}

// Bot is the Telegram front end for canteen reservations.
type Bot struct {
	api       CanteenAPI
	store     Store
	tg        telegramClient
	state     *stateStore
	overlay   *lifecycle.Overlay
	opts      Options
	reminders *reminderSet
	logger    *zerolog.Logger
}

func New(token string, api CanteenAPI, st Store, opts Options, logger *zerolog.Logger) (*Bot, error) {
	tg, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	tg.Debug = opts.Debug
	return newBot(&realTelegramClient{api: tg}, api, st, opts, logger)
}

// NewWithTelegramClient allows injecting a mocked Telegram client for tests.
func NewWithTelegramClient(tg telegramClient, api CanteenAPI, st Store, opts Options, logger *zerolog.Logger) (*Bot, error) {
	return newBot(tg, api, st, opts, logger)
}

func newBot(tg telegramClient, api CanteenAPI, st Store, opts Options, logger *zerolog.Logger) (*Bot, error) {
	if tg == nil {
		return nil, fmt.Errorf("telegram client is nil")
	}
	if api == nil || st == nil {
		return nil, fmt.Errorf("backend and store are required")
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = lifecycle.DefaultTimeout
	}
	if !models.ValidDuration(opts.DefaultDuration) {
		opts.DefaultDuration = models.AllowedDurations[0]
	}
	if opts.ReminderLead <= 0 {
		opts.ReminderLead = 3 * time.Minute
	}
	if opts.Guard == nil {
		opts.Guard = lifecycle.NewMemoryGuard()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	b := &Bot{
		api:       api,
		store:     st,
		tg:        tg,
		overlay:   lifecycle.NewOverlay(),
		opts:      opts,
		reminders: newReminderSet(),
		logger:    logger,
	}
	b.state = newStateStore(func(chatID int64) *lifecycle.Client {
		return lifecycle.NewClient(api, lifecycle.Options{
			Guard:    opts.Guard,
			GuardKey: guardKey(chatID),
			Overlay:  b.overlay,
			Bus:      opts.Bus,
			Timeout:  opts.OperationTimeout,
			Logger:   logger,
		})
	})
	return b, nil
}

// Start polls updates until ctx is done.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.tg.GetUpdatesChan(u)
	b.logger.Info().Str("username", b.tg.SelfUser().UserName).Msg("Canteen bot authorized")

	for {
		select {
		case <-ctx.Done():
			b.reminders.stopAll()
			return
		case update := <-updates:
			requestID := uuid.New().String()
			l := b.logger.With().Str("request_id", requestID).Logger()
			updateCtx := l.WithContext(ctx)
			b.handleUpdate(updateCtx, &update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update *tgbotapi.Update) {
	l := zerolog.Ctx(ctx)
	if update.CallbackQuery != nil {
		l.Debug().
			Int64("user_id", update.CallbackQuery.From.ID).
			Str("data", update.CallbackQuery.Data).
			Msg("Handling callback query")
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message != nil {
		l.Debug().
			Int64("chat_id", update.Message.Chat.ID).
			Str("command", update.Message.Command()).
			Msg("Handling message")
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		if len(args) == 1 && strings.HasPrefix(args[0], deepLinkCheckIn) {
			b.handleCheckIn(ctx, chatID, strings.TrimPrefix(args[0], deepLinkCheckIn), true)
			return
		}
		b.reply(chatID, helpText)
	case "help":
		b.reply(chatID, helpText)
	case "canteens":
		b.sendCanteenPage(ctx, chatID, 0, 0)
	case "canteen":
		b.handleCanteen(ctx, chatID, args)
	case "token":
		b.handleToken(ctx, msg, args)
	case "logout":
		b.handleLogout(ctx, chatID)
	case "reserve":
		b.handleReserve(ctx, chatID, args)
	case "checkin":
		tableID := ""
		if len(args) > 0 {
			tableID = args[0]
		}
		b.handleCheckIn(ctx, chatID, tableID, tableID != "")
	case "cancel":
		b.handleCancel(ctx, chatID)
	case "status":
		b.handleStatus(ctx, chatID)
	case "my":
		b.handleMy(ctx, chatID)
	case "export":
		b.handleExport(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. "+helpText)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq == nil || cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	_, _ = b.tg.Request(tgbotapi.NewCallback(cq.ID, ""))

	chatID := cq.Message.Chat.ID
	data := cq.Data
	switch {
	case strings.HasPrefix(data, cbPage):
		b.sendCanteenPage(ctx, chatID, cq.Message.MessageID, atoiDefault(strings.TrimPrefix(data, cbPage), 0))
	case strings.HasPrefix(data, cbCanteen):
		b.handleCanteen(ctx, chatID, []string{strings.TrimPrefix(data, cbCanteen)})
	case strings.HasPrefix(data, cbFilter):
		parts := strings.SplitN(strings.TrimPrefix(data, cbFilter), ":", 2)
		if len(parts) == 2 {
			b.handleCanteen(ctx, chatID, parts)
		}
	case strings.HasPrefix(data, cbTable):
		b.sendDurationChoice(chatID, strings.TrimPrefix(data, cbTable))
	case strings.HasPrefix(data, cbReserve):
		parts := strings.SplitN(strings.TrimPrefix(data, cbReserve), ":", 2)
		b.handleReserve(ctx, chatID, parts)
	case data == cbCheckIn:
		b.handleCheckIn(ctx, chatID, "", false)
	case data == cbCancel:
		b.handleCancel(ctx, chatID)
	}
}

// chat returns the chat's state, restoring a persisted session on first use.
func (b *Bot) chat(ctx context.Context, chatID int64) *chatState {
	st, created := b.state.get(chatID)
	if created {
		b.restore(ctx, chatID, st)
	}
	return st
}

func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.tg.Send(c); err != nil {
		b.logger.Warn().Err(err).Msg("telegram send failed")
	}
}
