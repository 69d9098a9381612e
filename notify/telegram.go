package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the Telegram Bot API provider.
type TelegramConfig struct {
	Token          string
	ChatID         string  // Numeric chat id or "@channel"
	APIURL         string  // Defaults to https://api.telegram.org
	RatePerSec     float64 // Outgoing message pacing; defaults to 1
	DisablePreview bool
	Timeout        time.Duration // Per request; defaults to 30s
}

// chatRecipient addresses a chat by numeric id or @username.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

// TelegramProvider sends messages through the Telegram Bot API.
type TelegramProvider struct {
	bot            *tele.Bot
	chat           tele.Recipient
	limiter        *rate.Limiter
	logger         *slog.Logger
	disablePreview bool
	attempts       uint
	delay          time.Duration
}

// NewTelegramProvider creates a Telegram provider. No request is made until
// Identity or Send is called.
func NewTelegramProvider(cfg TelegramConfig, logger *slog.Logger) (*TelegramProvider, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramProvider{
		bot:            bot,
		chat:           chatRecipient(strings.TrimSpace(cfg.ChatID)),
		limiter:        rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		logger:         logger,
		disablePreview: cfg.DisablePreview,
		attempts:       3,
		delay:          time.Second,
	}, nil
}

// Send posts text to the chat with MarkdownV2 formatting. Network failures
// are retried; API rejections are not.
func (p *TelegramProvider) Send(ctx context.Context, text string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeMarkdownV2,
		DisableWebPagePreview: p.disablePreview,
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			msg, err := p.bot.Send(p.chat, text, opts)
			duration := time.Since(startTime)
			if err != nil {
				p.logger.Warn("Telegram sendMessage failed",
					"chat", p.chat.Recipient(),
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			p.logger.Info("Telegram sendMessage completed",
				"chat", p.chat.Recipient(),
				"message_id", msg.ID,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*p.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(isTransient),
	)
}

// Identity calls getMe and returns the bot's username.
func (p *TelegramProvider) Identity(_ context.Context) (string, error) {
	data, err := p.bot.Raw("getMe", map[string]string{})
	if err != nil {
		return "", fmt.Errorf("getMe: %w", err)
	}

	var resp struct {
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode getMe response: %w", err)
	}
	if !resp.OK {
		return "", errors.New("getMe: not ok")
	}
	return resp.Result.Username, nil
}

// isTransient reports whether err came from the transport rather than the API.
func isTransient(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
