package bot

import (
	"fmt"
	"sync"
	"time"

	"canteen/internal/lifecycle"
	"canteen/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// reminderSet holds at most one pending check-in reminder per chat.
type reminderSet struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
}

func newReminderSet() *reminderSet {
	return &reminderSet{timers: make(map[int64]*time.Timer)}
}

// schedule fires fn lead before the reservation expires. Reservations
// without a known expiry, or already inside the lead window, get none.
func (s *reminderSet) schedule(chatID int64, res models.Reservation, lead time.Duration, fn func(chatID int64, res models.Reservation)) {
	exp := res.ExpiresAt()
	if exp.IsZero() {
		return
	}
	wait := time.Until(exp.Add(-lead))
	if wait <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.timers[chatID]; t != nil {
		t.Stop()
	}
	s.timers[chatID] = time.AfterFunc(wait, func() {
		s.mu.Lock()
		delete(s.timers, chatID)
		s.mu.Unlock()
		fn(chatID, res)
	})
}

func (s *reminderSet) cancel(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.timers[chatID]; t != nil {
		t.Stop()
		delete(s.timers, chatID)
	}
}

func (s *reminderSet) pending(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[chatID]
	return ok
}

func (s *reminderSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// sendReminder nudges the chat to check in if the reservation is still
// waiting for it.
func (b *Bot) sendReminder(chatID int64, res models.Reservation) {
	st, ok := b.state.peek(chatID)
	if !ok {
		return
	}
	a := st.client.Attempt()
	if a.State != lifecycle.StateAwaitingAction || a.Reservation == nil || a.Reservation.ID != res.ID {
		return
	}
	msg := tgbotapi.NewMessage(chatID, formatReminderMessage(res))
	msg.ReplyMarkup = attemptKeyboard()
	b.send(msg)
}

func formatReminderMessage(res models.Reservation) string {
	return fmt.Sprintf("Your reservation of table %s expires at %s. Check in or cancel it to free the table.",
		res.TableID, res.ExpiresAt().Local().Format("15:04"))
}
