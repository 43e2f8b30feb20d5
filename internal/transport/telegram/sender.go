package telegram

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"listingwatch/internal/notifier"
	logx "listingwatch/pkg/logx"
)

var (
	ErrNoToken  = errors.New("telegram token is empty")
	ErrNoChatID = errors.New("telegram chat id is empty")
)

type Config struct {
	Token  string
	ChatID string

	// DisablePreview turns off link previews on sent messages.
	DisablePreview bool
	// APIURL overrides the Bot API endpoint. Empty means the public API.
	APIURL string
	// HTTPTimeout bounds a single Bot API request. 0 means 15s.
	HTTPTimeout time.Duration
}

// Sender posts plain-text messages to one chat. It implements notifier.Sender.
type Sender struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	chat tele.Recipient
}

var _ notifier.Sender = (*Sender)(nil)

// New builds a Sender without contacting Telegram. Send is the first call
// that reaches the API.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.ChatID = strings.TrimSpace(cfg.ChatID)
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	if cfg.ChatID == "" {
		return nil, ErrNoChatID
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, log: log, bot: b, chat: parseChat(cfg.ChatID)}, nil
}

// Send delivers text to the configured chat, splitting it when it exceeds
// the Bot API message size. Rate-limit answers come back as
// *notifier.RateLimitedError.
func (s *Sender) Send(ctx context.Context, text string) error {
	chunks := splitText(text, textLimit)
	for _, chunk := range chunks {
		if err := s.sendChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendChunk(ctx context.Context, chunk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{DisableWebPagePreview: s.cfg.DisablePreview}

	// telebot has no context support. The call runs to completion, bounded
	// by the HTTP client timeout, so a retry never overlaps a request that
	// may still be delivered.
	_, err := s.bot.Send(s.chat, chunk, opt)
	if err != nil {
		err = classify(err)
		s.log.Debug("telegram send failed", logx.Err(err))
	}
	return err
}

// chatRecipient addresses a chat by its raw identifier, which may be a
// numeric id or an @channel username.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

func parseChat(id string) tele.Recipient {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return tele.ChatID(n)
	}
	return chatRecipient(id)
}

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// classify maps Telegram flood control answers to *notifier.RateLimitedError
// and passes everything else through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &notifier.RateLimitedError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusTooManyRequests {
		return &notifier.RateLimitedError{RetryAfter: parseRetryAfter(te.Description), Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "(429)") || strings.Contains(strings.ToLower(msg), "too many requests") {
		return &notifier.RateLimitedError{RetryAfter: parseRetryAfter(msg), Err: err}
	}
	return err
}

// parseRetryAfter extracts N from "retry after N"; 0 when absent.
func parseRetryAfter(s string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
