package service

import (
	"context"
	"strings"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"futures_engine/pkg/logger"
)

const (
	btnStatus    = "📊 Статус"
	btnPositions = "📈 Позиции"
	btnForce     = "🔁 Оценить"
	btnTrading   = "💹 Торговля"
	btnStop      = "⏹ Остановить"
)

func (t *Telegram) handleUpdate(ctx context.Context, update tgbot.Update) {
	// 1) Обычные сообщения и команды
	if msg := update.Message; msg != nil && msg.Chat != nil {
		chatID := msg.Chat.ID
		if !t.allowed(chatID) {
			logger.Warn("[TELEGRAM] message from foreign chat %d ignored", chatID)
			return
		}
		action := strings.TrimSpace(msg.Text)
		if msg.IsCommand() {
			action = msg.Command()
		}
		t.dispatch(ctx, chatID, action)
		return
	}

	// 2) Inline-кнопки подтверждения
	if cb := update.CallbackQuery; cb != nil {
		if cb.Message == nil || cb.Message.Chat == nil || !t.allowed(cb.Message.Chat.ID) {
			return
		}
		t.handleCallback(cb)
	}
}

func (t *Telegram) allowed(chatID int64) bool {
	return t.chatID == 0 || chatID == t.chatID
}

func (t *Telegram) dispatch(ctx context.Context, chatID int64, action string) {
	ctl := t.controller()
	if ctl == nil {
		_, _ = t.Send(ctx, chatID, "⚠️ Движок ещё не подключён")
		return
	}

	switch action {
	case "start", "help":
		t.handleStart(ctx, chatID)
	case "status", btnStatus:
		_, _ = t.Send(ctx, chatID, formatStatus(ctl.Status()))
	case "positions", btnPositions:
		_, _ = t.Send(ctx, chatID, formatPositions(ctl.Status().Positions, ctl.VirtualPositions()))
	case "force", btnForce:
		go t.handleForce(context.Background(), chatID, ctl)
	case "trading", btnTrading:
		go t.confirmThen(context.Background(), chatID, "Включить реальную торговлю?", func(ctx context.Context) error {
			return ctl.EnableTrading(ctx)
		}, "💹 Торговля включена")
	case "stop", btnStop:
		go t.confirmThen(context.Background(), chatID, "Остановить движок?", ctl.Stop, "⏹ Движок остановлен")
	}
}

func (t *Telegram) handleStart(ctx context.Context, chatID int64) {
	replyKb := tgbot.NewReplyKeyboard(
		tgbot.NewKeyboardButtonRow(
			tgbot.NewKeyboardButton(btnStatus),
			tgbot.NewKeyboardButton(btnPositions),
		),
		tgbot.NewKeyboardButtonRow(
			tgbot.NewKeyboardButton(btnForce),
			tgbot.NewKeyboardButton(btnTrading),
			tgbot.NewKeyboardButton(btnStop),
		),
	)

	msg := tgbot.NewMessage(chatID, "Движок фьючерсов OKX.\n\n"+
		"/status состояние и счётчики\n"+
		"/positions открытые позиции\n"+
		"/force оценить стратегии сейчас\n"+
		"/trading перейти из мониторинга в торговлю\n"+
		"/stop остановить движок")
	msg.ReplyMarkup = replyKb
	if _, err := t.SendMessage(ctx, msg); err != nil {
		logger.Warn("[TELEGRAM] start menu: %v", err)
	}
}

func (t *Telegram) handleForce(ctx context.Context, chatID int64, ctl Controller) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	res, err := ctl.ForceEvaluation(ctx)
	if err != nil {
		_, _ = t.Send(ctx, chatID, "❌ Оценка не удалась: "+err.Error())
		return
	}
	_, _ = t.Send(ctx, chatID, formatForce(res))
}

func (t *Telegram) confirmThen(ctx context.Context, chatID int64, prompt string, fn func(context.Context) error, done string) {
	if !t.Confirm(ctx, chatID, prompt, t.confirmTimeout) {
		return
	}
	if err := fn(ctx); err != nil {
		_, _ = t.Send(ctx, chatID, "❌ "+err.Error())
		return
	}
	_, _ = t.Send(ctx, chatID, done)
}

func (t *Telegram) handleCallback(cb *tgbot.CallbackQuery) {
	verdict, token, ok := strings.Cut(cb.Data, "::")
	if !ok {
		return
	}

	t.mu.Lock()
	p, found := t.pendings[token]
	delete(t.pendings, token)
	var msgID int
	if found {
		msgID = p.msgID
	}
	t.mu.Unlock()

	if t.bot != nil {
		_, _ = t.bot.Request(tgbot.NewCallback(cb.ID, ""))
	}
	if !found {
		return
	}

	yes := verdict == "CONF"
	mark := "❌ Отклонено"
	if yes {
		mark = "✅ Подтверждено"
	}
	_ = t.editReplyMarkupRemove(cb.Message.Chat.ID, msgID)
	_ = t.editText(cb.Message.Chat.ID, msgID, p.prompt+"\n\n"+mark)
	p.ch <- yes
}
