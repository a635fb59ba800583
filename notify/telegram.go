// Package notify delivers change reports and error alerts to Telegram.
//
// An unconfigured notifier is a no-op: every send succeeds silently, so
// the pipeline never needs to special-case missing credentials. Delivery
// failures are retried here and only ever logged by callers; a broken
// notification channel must not abort monitoring.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/docveille/docveille/config"
)

const sendAttempts = 3

// Telegram is the notification sink.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Telegram notifier. Credentials may be ${VAR} references.
// Empty credentials yield a no-op notifier.
func New(cfg config.NotificationConfig, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}

	token, err := config.ResolveEnvRef(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("notify: token: %w", err)
	}
	chat, err := config.ResolveEnvRef(cfg.TelegramChatID)
	if err != nil {
		return nil, fmt.Errorf("notify: chat id: %w", err)
	}

	t := &Telegram{
		// Telegram flood control allows roughly one message per second
		// per chat.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logger,
		sleep:   sleepCtx,
	}

	if token == "" || chat == "" {
		logger.Info("notify: telegram not configured, notifications disabled")
		return t, nil
	}

	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("notify: bad chat id %q: %w", chat, err)
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: bot init: %w", err)
	}

	t.bot = bot
	t.chatID = chatID
	return t, nil
}

// Enabled reports whether the sink is configured.
func (t *Telegram) Enabled() bool { return t.bot != nil }

// SendText delivers a plain text message.
func (t *Telegram) SendText(ctx context.Context, message string) error {
	if t.bot == nil {
		return nil
	}
	return t.send(ctx, func() error {
		msg := tgbotapi.NewMessage(t.chatID, message)
		_, err := t.bot.Send(msg)
		return err
	})
}

// SendDocument delivers a file with a caption.
func (t *Telegram) SendDocument(ctx context.Context, data []byte, filename, caption string) error {
	if t.bot == nil {
		return nil
	}
	return t.send(ctx, func() error {
		doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
		doc.Caption = caption
		_, err := t.bot.Send(doc)
		return err
	})
}

// SendPhoto delivers an image (screenshots) with a caption.
func (t *Telegram) SendPhoto(ctx context.Context, data []byte, caption string) error {
	if t.bot == nil {
		return nil
	}
	return t.send(ctx, func() error {
		photo := tgbotapi.NewPhoto(t.chatID, tgbotapi.FileBytes{Name: "screenshot.png", Bytes: data})
		photo.Caption = caption
		_, err := t.bot.Send(photo)
		return err
	})
}

// send runs one delivery with rate limiting and linear-backoff retries.
func (t *Telegram) send(ctx context.Context, do func() error) error {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if attempt > 1 {
			if err := t.sleep(ctx, time.Duration(attempt-1)*time.Second); err != nil {
				return err
			}
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if lastErr = do(); lastErr == nil {
			return nil
		}
		t.logger.Warn("notify: send failed", "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("notify: giving up after %d attempts: %w", sendAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
