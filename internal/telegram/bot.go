package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v3"

	"bot_hybrid/config"
	"bot_hybrid/internal/ai"
	"bot_hybrid/internal/engine"
	"bot_hybrid/internal/models"
)

// Bot is the operator console. It renders the live dashboard, relays
// control commands into the engine queue, and pushes trade events.
type Bot struct {
	bot          *tele.Bot
	engine       *engine.TradingEngine
	ai           *ai.MistralClient
	cfg          *config.Strategy
	authorizedID int64
	startTime    time.Time

	mu        sync.Mutex
	dashboard *tele.Message
	dashStop  chan struct{}
}

func NewBot(token string, authorizedID int64, eng *engine.TradingEngine, aiClient *ai.MistralClient, cfg *config.Strategy) (*Bot, error) {
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		bot:          b,
		engine:       eng,
		ai:           aiClient,
		cfg:          cfg,
		authorizedID: authorizedID,
		startTime:    time.Now(),
	}

	bot.setupHandlers()
	return bot, nil
}

func (b *Bot) Start() {
	log.Info("📱 Telegram bot started")
	b.bot.Start()
}

func (b *Bot) Stop() {
	b.stopDashboard()
	b.bot.Stop()
}

func (b *Bot) setupHandlers() {
	// Single-operator bot: everyone else gets a wall.
	b.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Sender().ID != b.authorizedID {
				return c.Send("⛔ Доступ запрещён")
			}
			return next(c)
		}
	})

	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/status", b.handleStatus)
	b.bot.Handle("/dashboard", b.handleDashboard)
	b.bot.Handle("/report", b.handleAIReport)
	b.bot.Handle(tele.OnText, b.handleQuestion)

	b.bot.Handle(&btnStatus, b.handleStatus)
	b.bot.Handle(&btnDashboard, b.handleDashboard)
	b.bot.Handle(&btnBalance, b.handleBalance)
	b.bot.Handle(&btnGracefulStop, b.handleGracefulStop)
	b.bot.Handle(&btnCancelStop, b.handleCancelStop)
	b.bot.Handle(&btnPanic, b.handlePanicAsk)
	b.bot.Handle(&btnPanicYes, b.handlePanicConfirm)
	b.bot.Handle(&btnPanicNo, b.handleStart)
	b.bot.Handle(&btnAIReport, b.handleAIReport)
	b.bot.Handle(&btnRefresh, b.handleStatus)
	b.bot.Handle(&btnBack, b.handleStart)
}

var (
	btnStatus       = tele.Btn{Text: "📊 Статус", Unique: "status"}
	btnDashboard    = tele.Btn{Text: "📟 Дашборд", Unique: "dashboard"}
	btnBalance      = tele.Btn{Text: "💰 Баланс", Unique: "balance"}
	btnGracefulStop = tele.Btn{Text: "🛑 Мягкая остановка", Unique: "graceful_stop"}
	btnCancelStop   = tele.Btn{Text: "▶️ Отменить остановку", Unique: "cancel_stop"}
	btnPanic        = tele.Btn{Text: "🚨 Паника: закрыть всё", Unique: "panic"}
	btnPanicYes     = tele.Btn{Text: "✅ Да, закрыть", Unique: "panic_yes"}
	btnPanicNo      = tele.Btn{Text: "❌ Отмена", Unique: "panic_no"}
	btnAIReport     = tele.Btn{Text: "🤖 AI отчёт", Unique: "ai_report"}
	btnRefresh      = tele.Btn{Text: "🔄 Обновить", Unique: "refresh"}
	btnBack         = tele.Btn{Text: "🔙 Назад", Unique: "back"}
)

func (b *Bot) mainMenu() *tele.ReplyMarkup {
	st := b.engine.Status()
	menu := &tele.ReplyMarkup{}

	stopBtn := btnGracefulStop
	if st.Stopping {
		stopBtn = btnCancelStop
	}

	rows := []tele.Row{
		menu.Row(btnStatus, btnDashboard),
		menu.Row(btnBalance, btnAIReport),
		menu.Row(stopBtn),
		menu.Row(btnPanic),
	}
	menu.Inline(rows...)
	return menu
}

func (b *Bot) handleStart(c tele.Context) error {
	st := b.engine.Status()

	status := "⏸️ Остановлен"
	if st.Running {
		status = "▶️ Активен"
	}
	if st.Stopping {
		status = "🛑 Мягкая остановка (позиция доторговывается)"
	}

	msg := fmt.Sprintf(`🤖 *%s — гибридный DCA-бот*

🔄 Статус: %s
💰 Баланс: %.2f USDT

Выберите действие:`, b.cfg.Symbol, status, st.Balance)

	return c.Send(msg, b.mainMenu(), tele.ModeMarkdown)
}

func (b *Bot) handleStatus(c tele.Context) error {
	text := b.formatDashboard(b.engine.Status())
	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnRefresh, btnBack))
	return c.Send(text, menu, tele.ModeMarkdown)
}

// handleDashboard pins one message and keeps editing it in place.
func (b *Bot) handleDashboard(c tele.Context) error {
	b.stopDashboard()

	msg, err := b.bot.Send(&tele.User{ID: b.authorizedID},
		b.formatDashboard(b.engine.Status()), tele.ModeMarkdown)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.dashboard = msg
	b.dashStop = make(chan struct{})
	stop := b.dashStop
	b.mu.Unlock()

	go b.dashboardLoop(msg, stop)
	return nil
}

func (b *Bot) dashboardLoop(msg *tele.Message, stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(b.cfg.DashboardSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			text := b.formatDashboard(b.engine.Status())
			if _, err := b.bot.Edit(msg, text, tele.ModeMarkdown); err != nil {
				// "message is not modified" is routine; anything else
				// means the message is gone and the loop should die.
				if !strings.Contains(err.Error(), "not modified") {
					log.Debugf("dashboard edit: %v", err)
					return
				}
			}
		}
	}
}

func (b *Bot) stopDashboard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dashStop != nil {
		close(b.dashStop)
		b.dashStop = nil
		b.dashboard = nil
	}
}

func (b *Bot) formatDashboard(st engine.Status) string {
	var sb strings.Builder
	sb.WriteString("```\n")
	sb.WriteString("╔══════════════════════════════╗\n")
	sb.WriteString(fmt.Sprintf("║  %s  %-8s %s ║\n", "🤖", b.cfg.Symbol, time.Now().UTC().Format("15:04:05")))
	sb.WriteString("╠══════════════════════════════╣\n")

	status := "⏸ ОСТАНОВЛЕН"
	if st.Running {
		status = "▶ АКТИВЕН"
	}
	if st.Stopping {
		status = "🛑 ОСТАНОВКА"
	}
	sb.WriteString(fmt.Sprintf("║ Статус:   %-18s ║\n", status))
	sb.WriteString(fmt.Sprintf("║ Режим:    %-18s ║\n", st.Regime))
	sb.WriteString(fmt.Sprintf("║ Цена:     %-18.2f ║\n", st.Price))
	sb.WriteString(fmt.Sprintf("║ Баланс:   %-18.2f ║\n", st.Balance))
	sb.WriteString("╠══════════════════════════════╣\n")

	if st.Position != nil {
		p := st.Position
		icon := "📈 LONG"
		if p.Side == models.SideShort {
			icon = "📉 SHORT"
		}
		flipMark := ""
		if p.IsFlip {
			flipMark = " ↩️"
		}
		sb.WriteString(fmt.Sprintf("║ Позиция:  %-18s ║\n", icon+flipMark))
		sb.WriteString(fmt.Sprintf("║ Объём:    %-18.4f ║\n", p.Size))
		sb.WriteString(fmt.Sprintf("║ Средняя:  %-18.2f ║\n", p.AvgPrice))
		sb.WriteString(fmt.Sprintf("║ DCA:      %d/%-16d ║\n", p.DCALevel, b.cfg.Grid.Levels))
		sb.WriteString(fmt.Sprintf("║ uPnL:     %+-17.2f ║\n", st.UnrealizedPnL))
		sb.WriteString(fmt.Sprintf("║ Защита:   x%-17.2f ║\n", st.Protection.Multiplier))
		sb.WriteString(fmt.Sprintf("║ Трейл T:  %-18s ║\n", trailLabel(st.TrendTrailing)))
		sb.WriteString(fmt.Sprintf("║ Трейл R:  %-18s ║\n", trailLabel(st.RangeTrailing)))
	} else {
		sb.WriteString("║ Позиция:  нет                ║\n")
	}

	sb.WriteString("╠══════════════════════════════╣\n")
	s := st.Stats
	sb.WriteString(fmt.Sprintf("║ Сделок:   %-4d (сегодня %-3d) ║\n", s.TotalTrades, s.TradesToday))
	sb.WriteString(fmt.Sprintf("║ Винрейт:  %-17.1f%% ║\n", s.WinRate()))
	sb.WriteString(fmt.Sprintf("║ PnL:      %+-17.2f ║\n", s.TotalPnL))
	sb.WriteString(fmt.Sprintf("║ Комиссии: %-18.2f ║\n", s.TotalFees))
	sb.WriteString(fmt.Sprintf("║ Флипов:   %d/%-16d ║\n", st.Flip.Count, b.cfg.Flip.MaxPerSession))
	sb.WriteString("╚══════════════════════════════╝\n")
	sb.WriteString("```")
	return sb.String()
}

func trailLabel(st models.TrailingState) string {
	if !st.Enabled {
		return "выкл"
	}
	switch st.Phase {
	case models.TrailingActive:
		return fmt.Sprintf("🎯 пик %.2f", st.PeakPrice)
	case models.TrailingPendingActivation:
		return "⏳ ожидание"
	default:
		return "вкл"
	}
}

func (b *Bot) handleBalance(c tele.Context) error {
	st := b.engine.Status()
	drawdown := 0.0
	if st.Stats.StartBalance > 0 {
		drawdown = (st.Balance - st.Stats.StartBalance) / st.Stats.StartBalance * 100
	}
	msg := fmt.Sprintf(`💰 *Баланс*

Текущий: %.2f USDT
Стартовый: %.2f USDT
Изменение: %+.2f%%
uPnL: %+.2f USDT
Время работы: %s`,
		st.Balance, st.Stats.StartBalance, drawdown, st.UnrealizedPnL, formatUptime(time.Since(b.startTime)))
	return c.Send(msg, tele.ModeMarkdown)
}

func (b *Bot) handleGracefulStop(c tele.Context) error {
	b.engine.Enqueue(engine.CmdGracefulStop)
	if err := c.Send("🛑 Мягкая остановка: новых входов не будет, позиция доторговывается до TP/трейлинга."); err != nil {
		return err
	}
	return b.handleStart(c)
}

func (b *Bot) handleCancelStop(c tele.Context) error {
	b.engine.Enqueue(engine.CmdCancelStop)
	if err := c.Send("▶️ Остановка отменена, бот снова ищет входы."); err != nil {
		return err
	}
	return b.handleStart(c)
}

func (b *Bot) handlePanicAsk(c tele.Context) error {
	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnPanicYes, btnPanicNo))
	return c.Send("🚨 *Закрыть позицию по рынку и отменить все ордера?*\n\nЭто действие необратимо.", menu, tele.ModeMarkdown)
}

func (b *Bot) handlePanicConfirm(c tele.Context) error {
	b.engine.Enqueue(engine.CmdPanicClose)
	return c.Send("🚨 Паническое закрытие поставлено в очередь.")
}

func (b *Bot) handleAIReport(c tele.Context) error {
	if !b.ai.Enabled() {
		return c.Send("🤖 AI отчёты выключены (нет MISTRAL_API_KEY).")
	}
	if err := c.Send("🤖 Готовлю отчёт..."); err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		report, err := b.ai.SessionReport(ctx, b.sessionSummary())
		if err != nil {
			b.send(fmt.Sprintf("❌ AI отчёт не удался: %v", err))
			return
		}
		b.send("🤖 *Отчёт по сессии*\n\n" + report)
	}()
	return nil
}

// Free-form text goes to the AI with session context.
func (b *Bot) handleQuestion(c tele.Context) error {
	question := strings.TrimSpace(c.Text())
	if question == "" || strings.HasPrefix(question, "/") {
		return nil
	}
	if !b.ai.Enabled() {
		return c.Send("🤖 AI выключен. Используйте кнопки меню.")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		answer, err := b.ai.Ask(ctx, question, b.sessionSummary())
		if err != nil {
			b.send(fmt.Sprintf("❌ Ошибка: %v", err))
			return
		}
		b.send(answer)
	}()
	return nil
}

func (b *Bot) sessionSummary() string {
	st := b.engine.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Баланс: %.2f USDT (старт %.2f)\n", st.Balance, st.Stats.StartBalance)
	fmt.Fprintf(&sb, "Сделок: %d, побед %d, поражений %d, винрейт %.1f%%\n",
		st.Stats.TotalTrades, st.Stats.Wins, st.Stats.Losses, st.Stats.WinRate())
	fmt.Fprintf(&sb, "Общий PnL: %+.2f USDT, комиссии: %.2f USDT\n", st.Stats.TotalPnL, st.Stats.TotalFees)
	fmt.Fprintf(&sb, "Сделок сегодня: %d, флипов: %d\n", st.Stats.TradesToday, st.Flip.Count)
	fmt.Fprintf(&sb, "Режим рынка: %s, цена: %.2f\n", st.Regime, st.Price)
	fmt.Fprintf(&sb, "Множитель защиты: %.2f (пик волатильности %.5f)\n",
		st.Protection.Multiplier, st.Protection.PeakVolatility)
	if st.Position != nil {
		fmt.Fprintf(&sb, "Открыта позиция: %s, объём %.4f, средняя %.2f, DCA %d, uPnL %+.2f\n",
			st.Position.Side, st.Position.Size, st.Position.AvgPrice, st.Position.DCALevel, st.UnrealizedPnL)
	} else {
		sb.WriteString("Позиции нет\n")
	}
	return sb.String()
}

// DailyReport implements engine.DailyReporter.
func (b *Bot) DailyReport(st engine.Status) {
	if !b.ai.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	report, err := b.ai.SessionReport(ctx, b.sessionSummary())
	if err != nil {
		log.Warnf("⚠️ daily AI report: %v", err)
		return
	}
	b.send("📅 *Ежедневный отчёт*\n\n" + report)
}

// Notifier implementation. All sends are best-effort: Telegram being
// down must never affect trading.

func (b *Bot) TradeOpened(pos *models.Position, price float64) {
	icon := "📈"
	if pos.Side == models.SideShort {
		icon = "📉"
	}
	flip := ""
	if pos.IsFlip {
		flip = " (флип ↩️)"
	}
	b.send(fmt.Sprintf(`✅ *ПОЗИЦИЯ ОТКРЫТА*%s

%s *%s %s*
💰 Маржа: %.2f USDT (x%.0f)
📊 Вход: %.2f
⏰ %s`,
		flip, icon, pos.Side, pos.Symbol, pos.EntryUSD, pos.Leverage, price,
		time.Now().Format("15:04:05")))
}

func (b *Bot) TradeClosed(trade *models.Trade, balance float64) {
	emoji := "✅"
	plEmoji := "💚"
	if trade.PnL < 0 {
		emoji = "⚠️"
		plEmoji = "❤️"
	}
	b.send(fmt.Sprintf(`%s *ПОЗИЦИЯ ЗАКРЫТА* (%s)

%s PnL: %+.2f USDT (комиссии %.2f)
📊 %.2f → %.2f | DCA: %d | %s
💼 Баланс: %.2f USDT
⏰ %s`,
		emoji, trade.Reason, plEmoji, trade.PnL, trade.Fees,
		trade.EntryPrice, trade.ExitPrice, trade.DCACount, trade.OrderType,
		balance, time.Now().Format("15:04:05")))
}

func (b *Bot) DCAFilled(pos *models.Position, level int, price float64) {
	b.send(fmt.Sprintf(`📥 *DCA %d/%d исполнен*

Цена: %.2f
Новая средняя: %.2f
Объём: %.4f`,
		level, b.cfg.Grid.Levels, price, pos.AvgPrice, pos.Size))
}

func (b *Bot) Alert(msg string) {
	b.send(msg)
}

func (b *Bot) send(msg string) {
	if _, err := b.bot.Send(&tele.User{ID: b.authorizedID}, msg, tele.ModeMarkdown); err != nil {
		log.Debugf("telegram send: %v", err)
	}
}

func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dч %dмин", hours, minutes)
	}
	return fmt.Sprintf("%dмин", minutes)
}
