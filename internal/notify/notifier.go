package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"trade_guard/internal/models"
)

// Notifier: fire-and-forget. Ошибка доставки никогда не влияет на торговлю.
type Notifier interface {
	Send(title, message string, severity models.Severity)
}

// Payload: диагностика в виде JSON из пар ключ/значение.
func Payload(kv ...any) string {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		v := kv[i+1]
		switch x := v.(type) {
		case error:
			v = x.Error()
		case fmt.Stringer:
			v = x.String()
		}
		m[k] = v
	}
	b, err := sonic.Marshal(m)
	if err != nil {
		return fmt.Sprint(kv...)
	}
	return string(b)
}

var severityEmoji = map[models.Severity]string{
	models.SeverityInfo:     "ℹ️",
	models.SeverityWarning:  "⚠️",
	models.SeverityCritical: "🚨",
	models.SeverityFatal:    "☠️",
}

type message struct {
	title, body string
	severity    models.Severity
}

// Telegram: пассивный нотифайер + команда /status.
// Отправка идёт из своей горутины через очередь, Send не блокируется.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	log    *zap.Logger
	status func() string

	queue chan message
	wg    sync.WaitGroup
}

// NewTelegram проверяет токен через getMe на endpoint (формат tgbot.APIEndpoint).
func NewTelegram(endpoint, token string, chatID int64, log *zap.Logger) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbot.APIEndpoint
	}
	b, err := tgbot.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:    b,
		chatID: chatID,
		log:    log,
		status: func() string { return "no status" },
		queue:  make(chan message, 256),
	}, nil
}

// OnStatus: чем отвечать на /status.
func (t *Telegram) OnStatus(fn func() string) { t.status = fn }

func (t *Telegram) Send(title, body string, severity models.Severity) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	select {
	case t.queue <- message{title: title, body: body, severity: severity}:
	default:
		t.log.Warn("[TG] queue full, message dropped", zap.String("title", title))
	}
}

func format(m message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s [%s]", severityEmoji[m.severity], m.title, strings.ToUpper(string(m.severity)))
	if m.body != "" {
		b.WriteString("\n")
		b.WriteString(m.body)
	}
	return b.String()
}

// Start: воркер отправки + long-polling для команд.
func (t *Telegram) Start(ctx context.Context) error {
	if t == nil || t.bot == nil {
		return nil
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				t.drain()
				return
			case m := <-t.queue:
				t.deliver(m)
			}
		}
	}()

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case upd := <-updates:
				if upd.Message == nil || upd.Message.Chat == nil ||
					upd.Message.Chat.ID != t.chatID || !upd.Message.IsCommand() {
					continue
				}
				switch upd.Message.Command() {
				case "status":
					t.Send("Status", t.status(), models.SeverityInfo)
				}
			}
		}
	}()
	return nil
}

// Wait ждёт, пока воркер допишет очередь (после отмены ctx из Start).
func (t *Telegram) Wait() { t.wg.Wait() }

func (t *Telegram) drain() {
	for {
		select {
		case m := <-t.queue:
			t.deliver(m)
		default:
			return
		}
	}
}

func (t *Telegram) deliver(m message) {
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, format(m))); err != nil {
		t.log.Warn("[TG] send failed", zap.String("title", m.title), zap.Error(err))
	}
}

// Log: пишет уведомления в лог, всегда включён.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) Send(title, body string, severity models.Severity) {
	fields := []zap.Field{zap.String("title", title), zap.String("severity", string(severity)), zap.String("payload", body)}
	switch severity {
	case models.SeverityCritical, models.SeverityFatal:
		l.log.Error("[NOTIFY]", fields...)
	case models.SeverityWarning:
		l.log.Warn("[NOTIFY]", fields...)
	default:
		l.log.Info("[NOTIFY]", fields...)
	}
}

// Fanout рассылает во все нотифайеры; паника одного не ломает вызывающего.
type Fanout []Notifier

func (f Fanout) Send(title, body string, severity models.Severity) {
	for _, n := range f {
		func() {
			defer func() { _ = recover() }()
			n.Send(title, body, severity)
		}()
	}
}

// Recorder: нотифайер для тестов.
type Recorder struct {
	mu   sync.Mutex
	Sent []Sent
}

type Sent struct {
	Title, Message string
	Severity       models.Severity
}

func (r *Recorder) Send(title, body string, severity models.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, Sent{Title: title, Message: body, Severity: severity})
}

func (r *Recorder) Count(sev models.Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.Sent {
		if s.Severity == sev {
			n++
		}
	}
	return n
}
