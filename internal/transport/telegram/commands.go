package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "listingwatch/pkg/logx"
)

var ErrUnknownCommand = errors.New("unknown command")

// Request is one parsed command message.
type Request struct {
	Command string
	Args    []string
	ChatID  int64
	FromID  int64
}

// HandlerFunc answers a command with the reply text.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type Command struct {
	Name        string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CommandsConfig controls the inbound command listener. Only the configured
// chat and Owners may issue commands.
type CommandsConfig struct {
	Token  string
	ChatID string
	Owners []int64
	APIURL string

	PollTimeout time.Duration
	// Timeout bounds a handler without its own Timeout.
	Timeout time.Duration
}

// Commands receives bot commands through long polling and replies in the
// same chat.
type Commands struct {
	cfg CommandsConfig
	log logx.Logger

	mu   sync.RWMutex
	cmds map[string]Command
}

func NewCommands(cfg CommandsConfig, log logx.Logger) (*Commands, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.ChatID = strings.TrimSpace(cfg.ChatID)
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	if cfg.ChatID == "" && len(cfg.Owners) == 0 {
		return nil, ErrNoChatID
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Commands{cfg: cfg, log: log, cmds: map[string]Command{}}, nil
}

// SetCommands replaces the command table. "help" is always present.
func (c *Commands) SetCommands(cmds []Command) {
	table := make(map[string]Command, len(cmds)+1)
	for _, cmd := range cmds {
		name := strings.ToLower(strings.TrimSpace(cmd.Name))
		if name == "" || cmd.Handle == nil {
			continue
		}
		cmd.Name = name
		table[name] = cmd
	}
	table["help"] = Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(context.Context, *Request) (string, error) {
			return c.helpText(), nil
		},
	}
	c.mu.Lock()
	c.cmds = table
	c.mu.Unlock()
}

func (c *Commands) helpText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.cmds))
	for n := range c.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		cmd := c.cmds[n]
		usage := cmd.Usage
		if usage == "" {
			usage = "/" + n
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, cmd.Description)
	}
	return strings.TrimSpace(b.String())
}

// Run polls for updates until ctx is done. Building the bot contacts the
// API, so a failure here is returned for the caller to retry.
func (c *Commands) Run(ctx context.Context) error {
	b, err := tele.NewBot(tele.Settings{
		URL:    c.cfg.APIURL,
		Token:  c.cfg.Token,
		Client: &http.Client{Timeout: c.cfg.PollTimeout + 10*time.Second},
		Poller: &tele.LongPoller{Timeout: c.cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telegram poll error", logx.Err(err))
		},
	})
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	b.Handle(tele.OnText, func(tc tele.Context) error {
		req, ok := ParseCommand(tc.Text())
		if !ok {
			return nil
		}
		if chat := tc.Chat(); chat != nil {
			req.ChatID = chat.ID
		}
		if from := tc.Sender(); from != nil {
			req.FromID = from.ID
		}
		reply, err := c.Dispatch(ctx, req)
		if err != nil {
			reply = "error: " + err.Error()
		}
		if reply == "" {
			return nil
		}
		for _, chunk := range splitText(reply, textLimit) {
			if err := tc.Send(chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
				return classify(err)
			}
		}
		return nil
	})

	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	c.log.Info("telegram commands listening", logx.String("bot", b.Me.Username))
	b.Start()
	return ctx.Err()
}

// Dispatch runs the command named in req through access control, timeout,
// recovery and logging.
func (c *Commands) Dispatch(ctx context.Context, req *Request) (string, error) {
	c.mu.RLock()
	cmd, ok := c.cmds[req.Command]
	c.mu.RUnlock()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	h := cmd.Handle
	if !ok {
		h = func(context.Context, *Request) (string, error) {
			return "", fmt.Errorf("%w: /%s (try /help)", ErrUnknownCommand, req.Command)
		}
	}
	return Chain(h,
		MWRequestLog(c.log),
		c.mwAllowed(),
		MWPanicRecover(c.log),
		MWTimeout(timeout),
	)(ctx, req)
}

func (c *Commands) allowed(req *Request) bool {
	if c.cfg.ChatID != "" && fmt.Sprint(req.ChatID) == c.cfg.ChatID {
		return true
	}
	for _, id := range c.cfg.Owners {
		if id == req.FromID {
			return true
		}
	}
	return false
}

// mwAllowed drops commands from strangers without a reply.
func (c *Commands) mwAllowed() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if !c.allowed(req) {
				c.log.Debug("command ignored", logx.Int64("chat_id", req.ChatID), logx.Int64("from_id", req.FromID))
				return "", nil
			}
			return next(ctx, req)
		}
	}
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.Int64("chat_id", req.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug("command ok", fields...)
			}
			return reply, err
		}
	}
}

// ParseCommand splits "/run@listingbot tori extra" into command and args.
// Text that is not a command reports false.
func ParseCommand(text string) (*Request, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return nil, false
	}
	return &Request{Command: name, Args: fields[1:]}, true
}
