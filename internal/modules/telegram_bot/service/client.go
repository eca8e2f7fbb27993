package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"futures_engine/internal/models"
	engine "futures_engine/internal/modules/engine/service"
	"futures_engine/pkg/logger"
)

// Controller команды движка, доступные из чата.
type Controller interface {
	Status() engine.Status
	VirtualPositions() []models.VirtualPositionView
	ForceEvaluation(ctx context.Context) (engine.ForceResult, error)
	EnableTrading(ctx context.Context) error
	Stop(ctx context.Context) error
}

type botAPI interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
	Request(c tgbot.Chattable) (*tgbot.APIResponse, error)
	GetUpdatesChan(config tgbot.UpdateConfig) tgbot.UpdatesChannel
	StopReceivingUpdates()
}

type pending struct {
	ch     chan bool
	msgID  int
	prompt string
}

// Telegram уведомления движка в один чат и команды управления из него.
// Без токена все отправки no-op.
type Telegram struct {
	bot    botAPI
	chatID int64

	mu       sync.Mutex
	ctl      Controller
	pendings map[string]*pending

	confirmTimeout time.Duration
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	t := &Telegram{
		chatID:         chatID,
		pendings:       make(map[string]*pending),
		confirmTimeout: time.Minute,
	}
	if token == "" {
		logger.Warn("[TELEGRAM] token is empty, notifications disabled")
		return t, nil
	}
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram.NewTelegram: %w", err)
	}
	t.bot = b
	return t, nil
}

// Enabled true, если есть бот и чат для уведомлений.
func (t *Telegram) Enabled() bool { return t.bot != nil && t.chatID != 0 }

// SetController подключает движок после сборки графа.
func (t *Telegram) SetController(c Controller) {
	t.mu.Lock()
	t.ctl = c
	t.mu.Unlock()
}

func (t *Telegram) controller() Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctl
}

// Sendf уведомление в настроенный чат. Ошибки только логируются.
func (t *Telegram) Sendf(ctx context.Context, format string, args ...any) {
	if !t.Enabled() {
		return
	}
	if _, err := t.Send(ctx, t.chatID, fmt.Sprintf(format, args...)); err != nil {
		logger.Warn("[TELEGRAM] send: %v", err)
	}
}

func (t *Telegram) Send(ctx context.Context, chatID int64, msg string) (tgbot.Message, error) {
	return t.SendMessage(ctx, tgbot.NewMessage(chatID, msg))
}

func (t *Telegram) SendMessage(_ context.Context, message tgbot.MessageConfig) (tgbot.Message, error) {
	if t.bot == nil {
		return tgbot.Message{}, nil
	}
	return t.bot.Send(message)
}

func (t *Telegram) editReplyMarkupRemove(chatID int64, msgID int) error {
	rm := tgbot.InlineKeyboardMarkup{InlineKeyboard: [][]tgbot.InlineKeyboardButton{}}
	_, err := t.bot.Request(tgbot.NewEditMessageReplyMarkup(chatID, msgID, rm))
	return err
}

func (t *Telegram) editText(chatID int64, msgID int, text string) error {
	_, err := t.bot.Request(tgbot.NewEditMessageText(chatID, msgID, text))
	return err
}

// Confirm сообщение с кнопками и ожиданием callback.
func (t *Telegram) Confirm(ctx context.Context, chatID int64, prompt string, timeout time.Duration) bool {
	if t.bot == nil {
		return false
	}

	token := fmt.Sprintf("%d", time.Now().UnixNano())
	p := &pending{
		ch:     make(chan bool, 1),
		prompt: prompt,
	}

	t.mu.Lock()
	t.pendings[token] = p
	t.mu.Unlock()

	btnYes := tgbot.NewInlineKeyboardButtonData("✅ Да", "CONF::"+token)
	btnNo := tgbot.NewInlineKeyboardButtonData("❌ Нет", "REJ::"+token)
	msg := tgbot.NewMessage(chatID, prompt)
	msg.ReplyMarkup = tgbot.NewInlineKeyboardMarkup(tgbot.NewInlineKeyboardRow(btnYes, btnNo))

	sent, err := t.bot.Send(msg)
	if err != nil {
		logger.Warn("[TELEGRAM] confirm send: %v", err)
	}
	t.mu.Lock()
	p.msgID = sent.MessageID
	t.mu.Unlock()

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case ok := <-p.ch:
		return ok
	case <-tmr.C:
		t.dropPending(chatID, token, "⏳ Таймаут")
		return false
	case <-ctx.Done():
		t.dropPending(chatID, token, "⛔️ Отменено")
		return false
	}
}

func (t *Telegram) dropPending(chatID int64, token, suffix string) {
	t.mu.Lock()
	p, ok := t.pendings[token]
	delete(t.pendings, token)
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = t.editReplyMarkupRemove(chatID, p.msgID)
	_ = t.editText(chatID, p.msgID, fmt.Sprintf("%s\n\n%s", p.prompt, suffix))
}

// Start читает апдейты до Stop.
func (t *Telegram) Start(ctx context.Context) {
	if t.bot == nil {
		return
	}
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for update := range updates {
			t.handleUpdate(ctx, update)
		}
	}()
	logger.Info("[TELEGRAM] listening for commands in chat %d", t.chatID)
}

func (t *Telegram) Stop() {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
}
