package bot

import (
	"context"
	"fmt"
	"strings"

	"canteen/internal/lifecycle"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const canteensPerPage = 6

// sendCanteenPage shows one page of the canteen list. A non-zero messageID
// edits that message in place.
func (b *Bot) sendCanteenPage(ctx context.Context, chatID int64, messageID, page int) {
	list, err := b.api.ListCanteens(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("list canteens failed")
		b.reply(chatID, lifecycle.UserMessage(err))
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No canteens.")
		return
	}

	pages := (len(list) + canteensPerPage - 1) / canteensPerPage
	if page < 0 || page >= pages {
		page = 0
	}
	startIdx := page * canteensPerPage
	endIdx := startIdx + canteensPerPage
	if endIdx > len(list) {
		endIdx = len(list)
	}

	var message strings.Builder
	message.WriteString("Canteens")
	if pages > 1 {
		fmt.Fprintf(&message, " (page %d of %d)", page+1, pages)
	}
	message.WriteString("\n\n")

	var keyboard [][]tgbotapi.InlineKeyboardButton
	for i, c := range list[startIdx:endIdx] {
		fmt.Fprintf(&message, "%d. %s  %d/%d  %s\n", startIdx+i+1, c.Name, c.Blocked(), c.Total(), c.Level())
		keyboard = append(keyboard, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%d. %s", startIdx+i+1, c.Name), cbCanteen+c.ID),
		))
	}

	var nav []tgbotapi.InlineKeyboardButton
	if page > 0 {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("⬅️ Back", fmt.Sprintf("%s%d", cbPage, page-1)))
	}
	if endIdx < len(list) {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("Next ➡️", fmt.Sprintf("%s%d", cbPage, page+1)))
	}
	if len(nav) > 0 {
		keyboard = append(keyboard, nav)
	}

	markup := tgbotapi.NewInlineKeyboardMarkup(keyboard...)
	text := strings.TrimRight(message.String(), "\n")
	if messageID != 0 {
		b.send(tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, markup))
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	b.send(msg)
}
