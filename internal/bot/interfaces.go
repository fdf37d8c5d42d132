package bot

import (
	"context"

	"canteen/internal/lifecycle"
	"canteen/internal/models"
	"canteen/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// CanteenAPI is the backend surface used by the bot.
type CanteenAPI interface {
	lifecycle.Backend
	ListCanteens(ctx context.Context) ([]models.CanteenSummary, error)
	GetCanteen(ctx context.Context, canteenID string) (*models.Canteen, error)
	MyReservations(ctx context.Context, token string) ([]models.Reservation, error)
}

// Store persists per-chat state between restarts.
type Store interface {
	SaveToken(ctx context.Context, chatID int64, token, subject string) error
	GetToken(ctx context.Context, chatID int64) (string, error)
	DeleteToken(ctx context.Context, chatID int64) error
	SaveAttempt(ctx context.Context, rec store.AttemptRecord) error
	GetAttempt(ctx context.Context, chatID int64) (*store.AttemptRecord, error)
	DeleteAttempt(ctx context.Context, chatID int64) error
	LogAction(ctx context.Context, a store.Action) error
	RecentActions(ctx context.Context, chatID int64, limit int) ([]store.Action, error)
}

type telegramClient interface {
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	SelfUser() tgbotapi.User
}

type realTelegramClient struct {
	api *tgbotapi.BotAPI
}

func (c *realTelegramClient) Send(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return c.api.Send(msg)
}

func (c *realTelegramClient) Request(msg tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return c.api.Request(msg)
}

func (c *realTelegramClient) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return c.api.GetUpdatesChan(cfg)
}

func (c *realTelegramClient) SelfUser() tgbotapi.User {
	return c.api.Self
}
