package state

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"momo-bot/pkg/types"
)

func testDir(t *testing.T) *Dir {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestWatchlistRoundTrip(t *testing.T) {
	t.Parallel()
	d := testDir(t)
	ctx := context.Background()

	got, err := d.LoadWatchlist(ctx)
	if err != nil {
		t.Fatalf("LoadWatchlist empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil watchlist before first save, got %+v", got)
	}

	w := &types.Watchlist{
		Date:        "2025-03-14",
		GeneratedAt: time.Now().UTC(),
		Size:        2,
		Entries: []types.WatchlistEntry{
			{Symbol: "ABCD", GapPct: 0.08, PremarketHigh: 12.40},
			{Symbol: "WXYZ", GapPct: 0.05, PremarketHigh: 3.18},
		},
	}
	if err := d.SaveWatchlist(ctx, w); err != nil {
		t.Fatalf("SaveWatchlist: %v", err)
	}

	got, err = d.LoadWatchlist(ctx)
	if err != nil {
		t.Fatalf("LoadWatchlist: %v", err)
	}
	if got == nil || got.Date != "2025-03-14" || len(got.Entries) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	same, err := d.LoadWatchlistFor(ctx, "2025-03-14")
	if err != nil || same == nil {
		t.Fatalf("LoadWatchlistFor same date: %v %v", same, err)
	}
	other, err := d.LoadWatchlistFor(ctx, "2025-03-15")
	if err != nil || other != nil {
		t.Fatalf("LoadWatchlistFor other date should be nil, got %v %v", other, err)
	}
}

func TestCorruptFileQuarantined(t *testing.T) {
	t.Parallel()
	d := testDir(t)
	ctx := context.Background()

	path := filepath.Join(d.path, signalsFile)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	batch, err := d.LoadSignals(ctx)
	if err != nil {
		t.Fatalf("LoadSignals should treat corrupt as absent: %v", err)
	}
	if len(batch.Signals) != 0 {
		t.Fatalf("expected empty batch, got %d signals", len(batch.Signals))
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("corrupt file should have been moved aside, stat err=%v", err)
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var quarantined bool
	for _, e := range entries {
		if strings.Contains(e.Name(), signalsFile+".corrupt.") {
			quarantined = true
		}
	}
	if !quarantined {
		t.Fatal("no quarantine file written")
	}

	// The writer recovers on the next cycle.
	if err := d.SaveSignals(ctx, types.SignalBatch{GeneratedAt: time.Now()}); err != nil {
		t.Fatalf("SaveSignals after quarantine: %v", err)
	}
}

func TestUpdatePositionsReadModifyWrite(t *testing.T) {
	t.Parallel()
	d := testDir(t)
	ctx := context.Background()

	err := d.UpdatePositions(ctx, func(m map[string]types.Position) error {
		m["ABCD"] = types.Position{Symbol: "ABCD", EntryPrice: 5.71, Quantity: 875, CurrentStop: 5.57}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatePositions add: %v", err)
	}

	err = d.UpdatePositions(ctx, func(m map[string]types.Position) error {
		p := m["ABCD"]
		p.CurrentStop = 5.71
		m["ABCD"] = p
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatePositions ratchet: %v", err)
	}

	m, err := d.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(m) != 1 || m["ABCD"].CurrentStop != 5.71 {
		t.Fatalf("unexpected positions: %+v", m)
	}

	// fn error aborts the write.
	boom := errors.New("boom")
	err = d.UpdatePositions(ctx, func(m map[string]types.Position) error {
		delete(m, "ABCD")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	m, _ = d.LoadPositions(ctx)
	if len(m) != 1 {
		t.Fatalf("aborted update must not persist, got %+v", m)
	}
}

func TestSellSignalsAppendDedupAndReplace(t *testing.T) {
	t.Parallel()
	d := testDir(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := []types.SellSignal{
		{Symbol: "ABCD", Timestamp: now, Reason: types.ExitStopLoss, TriggerPrice: 5.50},
		{Symbol: "WXYZ", Timestamp: now, Reason: types.ExitTrailingStop, TriggerPrice: 9.10},
	}
	if err := d.AppendSellSignals(ctx, first); err != nil {
		t.Fatalf("AppendSellSignals: %v", err)
	}
	// Same symbol again: must not duplicate.
	dup := []types.SellSignal{{Symbol: "ABCD", Timestamp: now.Add(time.Minute), Reason: types.ExitDeceleration, TriggerPrice: 5.60}}
	if err := d.AppendSellSignals(ctx, dup); err != nil {
		t.Fatalf("AppendSellSignals dup: %v", err)
	}

	list, err := d.LoadSellSignals(ctx)
	if err != nil {
		t.Fatalf("LoadSellSignals: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 pending signals, got %d: %+v", len(list), list)
	}
	if list[0].Symbol != "ABCD" || list[1].Symbol != "WXYZ" {
		t.Fatalf("arrival order not preserved: %+v", list)
	}
	if list[0].Reason != types.ExitStopLoss {
		t.Fatalf("duplicate overwrote original reason: %+v", list[0])
	}

	if err := d.ReplaceSellSignals(ctx, list[1:]); err != nil {
		t.Fatalf("ReplaceSellSignals: %v", err)
	}
	list, _ = d.LoadSellSignals(ctx)
	if len(list) != 1 || list[0].Symbol != "WXYZ" {
		t.Fatalf("replace result: %+v", list)
	}
}

func TestTradesAppendOnly(t *testing.T) {
	t.Parallel()
	d := testDir(t)
	ctx := context.Background()

	t1 := types.Trade{Symbol: "ABCD", EntryPrice: 5.71, ExitPrice: 6.02, Quantity: 875, PnLPct: 0.0543}
	t2 := types.Trade{Symbol: "WXYZ", EntryPrice: 9.00, ExitPrice: 8.70, Quantity: 100, PnLPct: -0.0333}
	if err := d.AppendTrade(ctx, t1); err != nil {
		t.Fatalf("AppendTrade 1: %v", err)
	}
	if err := d.AppendTrade(ctx, t2); err != nil {
		t.Fatalf("AppendTrade 2: %v", err)
	}

	trades, err := d.LoadTrades(ctx)
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 2 || trades[0].Symbol != "ABCD" || trades[1].Symbol != "WXYZ" {
		t.Fatalf("trade log wrong: %+v", trades)
	}
}

func TestCooldownExpiryPrunedOnWrite(t *testing.T) {
	t.Parallel()
	d := testDir(t)
	ctx := context.Background()
	now := time.Now()

	if err := d.SetCooldown(ctx, "OLDY", now.Add(-time.Minute)); err != nil {
		t.Fatalf("SetCooldown expired: %v", err)
	}
	if err := d.SetCooldown(ctx, "ABCD", now.Add(15*time.Minute)); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}

	m, err := d.LoadCooldowns(ctx)
	if err != nil {
		t.Fatalf("LoadCooldowns: %v", err)
	}
	if _, ok := m["OLDY"]; ok {
		t.Fatal("expired cooldown should be pruned on next write")
	}

	blocked, until, err := d.InCooldown(ctx, "ABCD", now)
	if err != nil || !blocked {
		t.Fatalf("ABCD should be in cooldown: %v %v", blocked, err)
	}
	if !until.After(now) {
		t.Fatalf("until should be in the future: %v", until)
	}

	blocked, _, err = d.InCooldown(ctx, "ABCD", now.Add(16*time.Minute))
	if err != nil || blocked {
		t.Fatalf("cooldown should lapse after its deadline: %v %v", blocked, err)
	}
}

func TestLockTimeoutSurfaces(t *testing.T) {
	t.Parallel()
	d := testDir(t)

	// Hold the exclusive lock out-of-band so every helper times out.
	fl := flock.New(filepath.Join(d.path, positionsFile+".lock"))
	locked, err := fl.TryLock()
	if err != nil || !locked {
		t.Fatalf("seed lock: %v %v", locked, err)
	}
	defer fl.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = d.UpdatePositions(ctx, func(m map[string]types.Position) error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestPIDAndHeartbeat(t *testing.T) {
	t.Parallel()
	d := testDir(t)

	pid, err := d.ReadPID("scanner")
	if err != nil || pid != 0 {
		t.Fatalf("missing pid file should read as 0: %d %v", pid, err)
	}
	if err := d.WritePID("scanner", 4242); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, err = d.ReadPID("scanner")
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPID: %d %v", pid, err)
	}
	if err := d.RemovePID("scanner"); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if err := d.RemovePID("scanner"); err != nil {
		t.Fatalf("RemovePID twice should be fine: %v", err)
	}

	hb, err := d.ReadHeartbeat("scanner")
	if err != nil || !hb.IsZero() {
		t.Fatalf("missing heartbeat should read zero: %v %v", hb, err)
	}
	stamp := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	if err := d.WriteHeartbeat("scanner", stamp); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	hb, err = d.ReadHeartbeat("scanner")
	if err != nil || !hb.Equal(stamp) {
		t.Fatalf("ReadHeartbeat: %v %v", hb, err)
	}
}

func TestReadUniverse(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "base_universe.txt")
	raw := "# penny movers\nabcd\n\nWXYZ\nabcd\nQRST\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("seed universe: %v", err)
	}

	syms, err := ReadUniverse(path, 0)
	if err != nil {
		t.Fatalf("ReadUniverse: %v", err)
	}
	want := []string{"ABCD", "WXYZ", "QRST"}
	if len(syms) != len(want) {
		t.Fatalf("got %v want %v", syms, want)
	}
	for i := range want {
		if syms[i] != want[i] {
			t.Fatalf("got %v want %v", syms, want)
		}
	}

	capped, err := ReadUniverse(path, 2)
	if err != nil || len(capped) != 2 {
		t.Fatalf("capped read: %v %v", capped, err)
	}

	if _, err := ReadUniverse(filepath.Join(t.TempDir(), "missing.txt"), 0); err == nil {
		t.Fatal("missing universe file should error")
	}
}
