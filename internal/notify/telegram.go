package notify

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/g960059/rmqcol/internal/model"
)

// Telegram posts alerts into one chat, optionally replying to a pinned
// anchor message so the alerts thread together.
type Telegram struct {
	bot       *tgbotapi.BotAPI
	chatID    int64
	replyToID int
}

// NewTelegram authenticates the bot and resolves the chat/message ids
// from their string env representations.
func NewTelegram(token, chatID, messageID string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse CHAT_ID: %w", err)
	}
	replyTo := 0
	if messageID != "" {
		replyTo, err = strconv.Atoi(messageID)
		if err != nil {
			return nil, fmt.Errorf("parse MESSAGE_ID: %w", err)
		}
	}
	return &Telegram{bot: bot, chatID: chat, replyToID: replyTo}, nil
}

func (t *Telegram) Alert(ctx context.Context, subject, body string) error {
	msg := tgbotapi.NewMessage(t.chatID, model.TruncateAlert(subject+"\n\n"+body))
	if t.replyToID != 0 {
		msg.ReplyToMessageID = t.replyToID
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
