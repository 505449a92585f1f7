package adapter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "fxalert/internal/runtime/supervisor"
	kit "fxalert/internal/transport"
	logx "fxalert/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// CommandTimeout bounds one command handler; 0 means 15s.
	CommandTimeout time.Duration
	// MaxInFlight caps concurrently running command handlers; 0 means 16.
	MaxInFlight int
}

// Adapter is the Telegram implementation of transport.Sender plus a small
// command front end for /start and friends.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	runMu   sync.Mutex
	running bool

	// sup owns adapter goroutines (poll loop, drop reporter, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	hmu      sync.RWMutex
	handlers map[string]kit.CommandHandler
	inflight chan struct{}

	// droppedCommands counts commands refused because MaxInFlight handlers
	// were already running.
	droppedCommands uint64
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		handlers: map[string]kit.CommandHandler{},
		inflight: make(chan struct{}, cfg.MaxInFlight),
	}
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Handle registers h for "/name". Registering the same name twice replaces
// the earlier handler.
func (a *Adapter) Handle(name string, h kit.CommandHandler) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	if name == "" || h == nil {
		return
	}
	h = Chain(h,
		MWRequestLog(a.log),
		MWPanicRecover(a.log),
		MWTimeout(a.cfg.CommandTimeout),
	)
	a.hmu.Lock()
	a.handlers[name] = h
	a.hmu.Unlock()
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	cmd, ok := ParseCommand(m.Text)
	if !ok {
		return nil
	}
	a.hmu.RLock()
	h := a.handlers[cmd.Name]
	a.hmu.RUnlock()
	if h == nil {
		return nil
	}
	cmd.ChatID = m.Chat.ID
	cmd.FromID = m.Sender.ID
	cmd.FromUsername = m.Sender.Username

	select {
	case a.inflight <- struct{}{}:
	default:
		atomic.AddUint64(&a.droppedCommands, 1)
		return nil
	}
	defer func() { <-a.inflight }()

	ctx := context.Background()
	if sup := a.Supervisor(); sup != nil {
		ctx = sup.Context()
	}
	reply, err := h(ctx, cmd)
	if err != nil {
		reply = "Something went wrong, please try again later."
	}
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	_, err = a.SendText(ctx, kit.ChatTarget{ChatID: m.Chat.ID, ThreadID: m.ThreadID}, reply, &kit.SendOptions{ParseMode: tele.ModeHTML})
	return err
}

// ParseCommand splits "/name@bot args" into a Command. The bot suffix is
// dropped and the name lowercased.
func ParseCommand(text string) (kit.Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return kit.Command{}, false
	}
	head, args, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	head = strings.ToLower(strings.TrimSpace(head))
	if head == "" {
		return kit.Command{}, false
	}
	return kit.Command{Name: head, Args: strings.TrimSpace(args)}, true
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("commands.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped()
				return
			case <-ticker.C:
				a.reportDropped()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start() can return early in some failure modes; restart it while the
	// context is alive.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped() {
	if n := atomic.SwapUint64(&a.droppedCommands, 0); n > 0 {
		a.log.Warn("commands dropped (handlers busy)", logx.Uint64("count", n), logx.Int("max_in_flight", a.cfg.MaxInFlight))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendPhoto uploads an in-memory image. Captions longer than Telegram's limit
// are cut at a rune boundary.
func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, photo []byte, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if len(photo) == 0 {
		return kit.MessageRef{}, errors.New("telegram: empty photo")
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if rs := []rune(caption); len(rs) > telegramCaptionLimit {
		caption = string(rs[:telegramCaptionLimit])
	}
	p := &tele.Photo{File: tele.FromReader(bytes.NewReader(photo)), Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, p, &tele.SendOptions{
		ParseMode: opt.ParseMode,
		ThreadID:  to.ThreadID,
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}
