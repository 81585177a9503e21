package journal

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot_hybrid/internal/models"
)

func TestNewWritesLedgerHeaderOnce(t *testing.T) {
	dir := t.TempDir()

	_, err := New(dir)
	require.NoError(t, err)

	// Re-opening an existing ledger must not duplicate the header.
	_, err = New(dir)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "trades.csv"))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ledgerHeader, rows[0])
}

func TestRecordTrade(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir)
	require.NoError(t, err)

	trade := &models.Trade{
		Timestamp:  time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
		Symbol:     "BTCUSDT",
		Side:       models.SideLong,
		Reason:     "TP",
		PnL:        12.3456,
		Fees:       0.42,
		EntryPrice: 100000,
		ExitPrice:  100500,
		DCACount:   2,
		OrderType:  "limit",
		Volatility: 0.0021,
		Confluence: 5,
	}
	require.NoError(t, j.RecordTrade(trade))

	f, err := os.Open(filepath.Join(dir, "trades.csv"))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	row := rows[1]
	assert.Equal(t, "2026-08-28T12:00:00Z", row[0])
	assert.Equal(t, "BTCUSDT", row[1])
	assert.Equal(t, "LONG", row[2])
	assert.Equal(t, "TP", row[3])
	assert.Equal(t, "12.3456", row[4])
	assert.Equal(t, "2", row[8])
	assert.Equal(t, "limit", row[9])
	assert.Equal(t, "5", row[11])
}

func TestEventAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir)
	require.NoError(t, err)

	j.Event("EXIT", map[string]interface{}{"reason": "TP", "pnl": 12.5})
	j.Event("FLIP", map[string]interface{}{"from": "LONG", "to": "SHORT"})

	f, err := os.Open(filepath.Join(dir, "blackbox.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var events []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, sc.Err())
	require.Len(t, events, 2)

	assert.Equal(t, "EXIT", events[0]["event"])
	data := events[0]["data"].(map[string]interface{})
	assert.Equal(t, "TP", data["reason"])
	assert.Equal(t, 12.5, data["pnl"])
	assert.NotEmpty(t, events[0]["timestamp"])
	assert.Equal(t, "FLIP", events[1]["event"])
}

func TestNewRejectsUnwritableDir(t *testing.T) {
	_, err := New(filepath.Join(string(os.PathSeparator), "proc", "no-such-place"))
	assert.Error(t, err)
}
