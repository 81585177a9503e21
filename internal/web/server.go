package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"bot_hybrid/internal/engine"
	"bot_hybrid/internal/models"
)

// Server exposes a read-only HTTP surface: a small status page, a JSON
// API, and Prometheus metrics. No control endpoints; control lives in
// Telegram.
type Server struct {
	engine   *engine.TradingEngine
	registry *prometheus.Registry
	port     string
}

func NewServer(eng *engine.TradingEngine, registry *prometheus.Registry, port string) *Server {
	return &Server{engine: eng, registry: registry, port: port}
}

func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	log.Infof("🌐 web server on http://localhost:%s", s.port)
	go func() {
		if err := http.ListenAndServe(":"+s.port, mux); err != nil {
			log.Errorf("web server: %v", err)
		}
	}()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()

	response := map[string]interface{}{
		"running":        st.Running,
		"stopping":       st.Stopping,
		"balance":        st.Balance,
		"price":          st.Price,
		"regime":         st.Regime,
		"unrealized_pnl": st.UnrealizedPnL,
		"protection": map[string]interface{}{
			"multiplier":   st.Protection.Multiplier,
			"danger_level": st.Protection.DangerLevel,
			"max_drawdown": st.Protection.MaxDrawdownPct,
		},
		"flip_count":   st.Flip.Count,
		"total_trades": st.Stats.TotalTrades,
		"wins":         st.Stats.Wins,
		"losses":       st.Stats.Losses,
		"win_rate":     st.Stats.WinRate(),
		"total_pnl":    st.Stats.TotalPnL,
		"total_fees":   st.Stats.TotalFees,
		"trades_today": st.Stats.TradesToday,
		"timestamp":    time.Now().Unix(),
	}

	if p := st.Position; p != nil {
		response["position"] = map[string]interface{}{
			"side":       p.Side,
			"size":       p.Size,
			"avg_price":  p.AvgPrice,
			"entry_usd":  p.EntryUSD,
			"dca_level":  p.DCALevel,
			"is_flip":    p.IsFlip,
			"regime":     p.Regime,
			"open_time":  p.OpenTime.Unix(),
			"trailing_t": trailingJSON(st.TrendTrailing),
			"trailing_r": trailingJSON(st.RangeTrailing),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func trailingJSON(st models.TrailingState) map[string]interface{} {
	return map[string]interface{}{
		"enabled": st.Enabled,
		"phase":   st.Phase,
		"peak":    st.PeakPrice,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	status := "ok"
	if !st.Running {
		status = "stopped"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"balance":   st.Balance,
		"timestamp": time.Now().Unix(),
	})
}

const indexHTML = `<!DOCTYPE html>
<html lang="ru">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>DCA Bot</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #0f0c29, #302b63, #24243e);
            color: #fff; min-height: 100vh; padding: 20px;
        }
        .container { max-width: 640px; margin: 0 auto; }
        .card {
            background: rgba(255,255,255,0.05); backdrop-filter: blur(10px);
            border-radius: 16px; padding: 24px; margin-bottom: 20px;
            border: 1px solid rgba(255,255,255,0.1);
        }
        h1 { font-size: 24px; margin-bottom: 20px; }
        .stat-row {
            display: flex; justify-content: space-between; padding: 10px 0;
            border-bottom: 1px solid rgba(255,255,255,0.05);
        }
        .stat-label { color: #a0aec0; }
        .stat-value { font-weight: 600; }
        .positive { color: #48bb78; }
        .negative { color: #f56565; }
        .badge { padding: 4px 12px; border-radius: 12px; font-size: 12px; font-weight: 600; }
        .badge-on { background: rgba(72,187,120,0.2); color: #48bb78; }
        .badge-off { background: rgba(245,101,101,0.2); color: #f56565; }
    </style>
</head>
<body>
<div class="container">
    <div class="card">
        <h1>🤖 DCA Bot</h1>
        <div class="stat-row"><span class="stat-label">Статус</span><span class="stat-value" id="status">-</span></div>
        <div class="stat-row"><span class="stat-label">Режим рынка</span><span class="stat-value" id="regime">-</span></div>
        <div class="stat-row"><span class="stat-label">Цена</span><span class="stat-value" id="price">-</span></div>
        <div class="stat-row"><span class="stat-label">Баланс</span><span class="stat-value" id="balance">-</span></div>
        <div class="stat-row"><span class="stat-label">uPnL</span><span class="stat-value" id="upnl">-</span></div>
        <div class="stat-row"><span class="stat-label">Защита</span><span class="stat-value" id="protection">-</span></div>
    </div>
    <div class="card">
        <h1>📋 Позиция</h1>
        <div id="position">-</div>
    </div>
    <div class="card">
        <h1>📊 Сессия</h1>
        <div class="stat-row"><span class="stat-label">Сделок</span><span class="stat-value" id="trades">-</span></div>
        <div class="stat-row"><span class="stat-label">Винрейт</span><span class="stat-value" id="winrate">-</span></div>
        <div class="stat-row"><span class="stat-label">PnL</span><span class="stat-value" id="pnl">-</span></div>
        <div class="stat-row"><span class="stat-label">Комиссии</span><span class="stat-value" id="fees">-</span></div>
        <div class="stat-row"><span class="stat-label">Флипов</span><span class="stat-value" id="flips">-</span></div>
    </div>
</div>
<script>
    function pl(n) { return (n >= 0 ? '+' : '') + n.toFixed(2); }
    async function update() {
        try {
            const res = await fetch('/api/status');
            const d = await res.json();
            document.getElementById('status').innerHTML = d.running
                ? '<span class="badge badge-on">▶️ Активен</span>'
                : '<span class="badge badge-off">⏸️ Остановлен</span>';
            document.getElementById('regime').textContent = d.regime;
            document.getElementById('price').textContent = d.price.toFixed(2);
            document.getElementById('balance').textContent = d.balance.toFixed(2) + ' USDT';
            const upnl = document.getElementById('upnl');
            upnl.textContent = pl(d.unrealized_pnl) + ' USDT';
            upnl.className = 'stat-value ' + (d.unrealized_pnl >= 0 ? 'positive' : 'negative');
            document.getElementById('protection').textContent = 'x' + d.protection.multiplier.toFixed(2);
            const posDiv = document.getElementById('position');
            if (d.position) {
                const p = d.position;
                posDiv.innerHTML =
                    '<div class="stat-row"><span class="stat-label">Сторона</span><span class="stat-value">' + p.side + (p.is_flip ? ' ↩️' : '') + '</span></div>' +
                    '<div class="stat-row"><span class="stat-label">Объём</span><span class="stat-value">' + p.size.toFixed(4) + '</span></div>' +
                    '<div class="stat-row"><span class="stat-label">Средняя</span><span class="stat-value">' + p.avg_price.toFixed(2) + '</span></div>' +
                    '<div class="stat-row"><span class="stat-label">DCA уровень</span><span class="stat-value">' + p.dca_level + '</span></div>';
            } else {
                posDiv.innerHTML = '<div class="stat-row"><span class="stat-label">Нет открытой позиции</span></div>';
            }
            document.getElementById('trades').textContent = d.total_trades + ' (сегодня ' + d.trades_today + ')';
            document.getElementById('winrate').textContent = d.win_rate.toFixed(1) + '%';
            const pnlEl = document.getElementById('pnl');
            pnlEl.textContent = pl(d.total_pnl) + ' USDT';
            pnlEl.className = 'stat-value ' + (d.total_pnl >= 0 ? 'positive' : 'negative');
            document.getElementById('fees').textContent = d.total_fees.toFixed(2) + ' USDT';
            document.getElementById('flips').textContent = d.flip_count;
        } catch (e) { console.error(e); }
    }
    update();
    setInterval(update, 5000);
</script>
</body>
</html>`
