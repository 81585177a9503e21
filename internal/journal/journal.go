package journal

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"bot_hybrid/internal/models"
)

// Journal persists the trade ledger (CSV, one row per closed trade) and
// the blackbox event log (JSONL, append-only). Writes are synchronous
// and serialized; losing a row on crash is acceptable, corrupting the
// file is not.
type Journal struct {
	mu           sync.Mutex
	ledgerPath   string
	blackboxPath string
}

var ledgerHeader = []string{
	"timestamp", "symbol", "side", "reason", "pnl", "fees",
	"entry_price", "exit_price", "dca_count", "order_type",
	"volatility", "confluence",
}

func New(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dataDir)
	}

	j := &Journal{
		ledgerPath:   filepath.Join(dataDir, "trades.csv"),
		blackboxPath: filepath.Join(dataDir, "blackbox.jsonl"),
	}

	if _, err := os.Stat(j.ledgerPath); os.IsNotExist(err) {
		if err := j.writeLedgerRow(ledgerHeader); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// RecordTrade appends a closed trade to the CSV ledger.
func (j *Journal) RecordTrade(t *models.Trade) error {
	row := []string{
		t.Timestamp.UTC().Format(time.RFC3339),
		t.Symbol,
		string(t.Side),
		t.Reason,
		strconv.FormatFloat(t.PnL, 'f', 4, 64),
		strconv.FormatFloat(t.Fees, 'f', 4, 64),
		strconv.FormatFloat(t.EntryPrice, 'f', 2, 64),
		strconv.FormatFloat(t.ExitPrice, 'f', 2, 64),
		strconv.Itoa(t.DCACount),
		t.OrderType,
		strconv.FormatFloat(t.Volatility, 'f', 6, 64),
		strconv.Itoa(t.Confluence),
	}
	if err := j.writeLedgerRow(row); err != nil {
		return err
	}
	log.Infof("📒 trade recorded: %s %s pnl=%.2f", t.Side, t.Reason, t.PnL)
	return nil
}

func (j *Journal) writeLedgerRow(row []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.ledgerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return errors.Wrap(err, "write ledger row")
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flush ledger")
}

// Event appends a blackbox entry. Failures are logged, not returned:
// diagnostics must never break the trading path.
func (j *Journal) Event(event string, data map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"event":     event,
		"data":      data,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		log.Warnf("⚠️ blackbox marshal failed: %v", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.blackboxPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warnf("⚠️ blackbox open failed: %v", err)
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, string(line)); err != nil {
		log.Warnf("⚠️ blackbox write failed: %v", err)
	}
}
