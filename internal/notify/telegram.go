package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// telegramSender is a send-only Telegram client: no poller, no handlers.
type telegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

// NewTelegramSender builds a sender for one chat (and optional forum
// thread). The bot is constructed offline: the token is not verified
// until the first send, so a daemon can boot without reaching Telegram.
func NewTelegramSender(token string, chatID int64, threadID int) (Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{
		bot:  b,
		chat: &tele.Chat{ID: chatID},
		opts: &tele.SendOptions{
			ThreadID:              threadID,
			DisableWebPagePreview: true,
		},
	}, nil
}

// Send delivers plain text. Messages are clamped by the pipeline, so no
// chunking happens here; telebot has no context plumbing, hence the
// non-blocking ctx check before the call.
func (t *telegramSender) Send(ctx context.Context, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, err := t.bot.Send(t.chat, text, t.opts)
	return err
}
