package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/publu/spacecommand/core/events"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := New(db, nil)
	require.NoError(t, err)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.SetNowFunc(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(typ string, attrs map[string]string) events.Record {
	return events.Record{Type: typ, Attributes: attrs}
}

func TestAppendAssignsSequenceAndAccount(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, record("clearing.pool.deposit", map[string]string{"depositor": "0xAA", "amount": "5"}))
	require.NoError(t, err)
	second, err := store.Append(ctx, record("clearing.liquidation.executed", map[string]string{"vault": "0x71", "caller": "0xBB"}))
	require.NoError(t, err)

	require.Equal(t, uint64(1), first.Seq)
	require.Equal(t, uint64(2), second.Seq)
	require.Equal(t, "0xAA", first.Account)
	require.Equal(t, "0x71", second.Vault)
	require.Equal(t, "0xBB", second.Account)

	rec, err := first.Record()
	require.NoError(t, err)
	require.Equal(t, "5", rec.Attributes["amount"])
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := New(db, nil)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), record("a", nil))
	require.NoError(t, err)

	reopened, err := New(db, nil)
	require.NoError(t, err)
	entry, err := reopened.Append(context.Background(), record("b", nil))
	require.NoError(t, err)
	require.Equal(t, uint64(2), entry.Seq)
}

func TestQueryFilters(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		store.Emit(record("clearing.pool.deposit", map[string]string{"depositor": fmt.Sprintf("0x%02d", i%2)}))
	}
	store.Emit(record("clearing.collateral.collected", map[string]string{"vault": "0xAbC"}))

	all, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 6)

	deposits, err := store.Query(ctx, Filter{Type: "clearing.pool.deposit", Account: "0x01"})
	require.NoError(t, err)
	require.Len(t, deposits, 2)

	byVault, err := store.Query(ctx, Filter{Vault: "0xabc"})
	require.NoError(t, err)
	require.Len(t, byVault, 1)

	page, err := store.Query(ctx, Filter{AfterSeq: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(3), page[0].Seq)

	window, err := store.Query(ctx, Filter{Since: all[1].CreatedAt, Until: all[3].CreatedAt})
	require.NoError(t, err)
	require.Len(t, window, 2)
}

func TestEntryJSONInlinesAttributes(t *testing.T) {
	store := setupStore(t)
	entry, err := store.Append(context.Background(), record("x", map[string]string{"vault": "0x71"}))
	require.NoError(t, err)
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "x", decoded["type"])
	require.Equal(t, map[string]any{"vault": "0x71"}, decoded["attributes"])
}

func TestExportCSV(t *testing.T) {
	store := setupStore(t)
	for i := 0; i < 3; i++ {
		store.Emit(record("clearing.pool.deposit", map[string]string{"depositor": "0x11"}))
	}
	var buf bytes.Buffer
	n, err := store.ExportCSV(context.Background(), &buf, Filter{})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, csvHeader, rows[0])
	require.Equal(t, "1", rows[1][0])
	require.Equal(t, "0x11", rows[1][4])
}

func TestExportParquet(t *testing.T) {
	store := setupStore(t)
	store.Emit(record("clearing.swap.routed", map[string]string{"vault": "0x71", "amount": "9"}))
	var buf bytes.Buffer
	n, err := store.ExportParquet(context.Background(), &buf, Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	out := buf.Bytes()
	require.GreaterOrEqual(t, len(out), 8)
	require.Equal(t, "PAR1", string(out[:4]))
	require.Equal(t, "PAR1", string(out[len(out)-4:]))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	require.Error(t, err)
}
