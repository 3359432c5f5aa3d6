package metrics

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/publu/spacecommand/core/events"
	"github.com/publu/spacecommand/native/clearing"
)

func TestEmitCountsByType(t *testing.T) {
	m := NewClearing(prometheus.NewRegistry())
	m.Emit(events.Record{Type: clearing.EventTypeDeposit})
	m.Emit(events.Record{Type: clearing.EventTypeDeposit})
	m.Emit(events.Record{Type: clearing.EventTypeLiquidation})
	m.Emit(nil)

	require.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(clearing.EventTypeDeposit)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(clearing.EventTypeLiquidation)))
}

func TestObserveSnapshot(t *testing.T) {
	m := NewClearing(prometheus.NewRegistry())
	m.ObserveSnapshot(&clearing.PoolSnapshot{
		LockedValue:   big.NewInt(1_000),
		StableBalance: big.NewInt(400),
		Treasury:      clearing.Treasury{EarnedPending: big.NewInt(25)},
		TotalShares:   big.NewInt(900),
		VaultCount:    2,
	})
	require.Equal(t, 1000.0, testutil.ToFloat64(m.lockedValue))
	require.Equal(t, 400.0, testutil.ToFloat64(m.stableBalance))
	require.Equal(t, 25.0, testutil.ToFloat64(m.pendingFees))
	require.Equal(t, 900.0, testutil.ToFloat64(m.totalShares))
	require.Equal(t, 2.0, testutil.ToFloat64(m.vaults))
}

func TestRequestAndKeeperCounters(t *testing.T) {
	m := NewClearing(prometheus.NewRegistry())
	m.ObserveRequest("/v1/pool", "GET", 200, 10*time.Millisecond)
	m.ObserveRequest("", "GET", 404, time.Millisecond)
	m.RecordKeeperRun("collect", nil)
	m.RecordKeeperRun("collect", errors.New("rpc down"))

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/v1/pool", "GET", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "GET", "404")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.keeperRuns.WithLabelValues("collect", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.keeperRuns.WithLabelValues("collect", "ok")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var m *Clearing
	m.Emit(events.Record{Type: "x"})
	m.ObserveSnapshot(nil)
	m.ObserveRequest("r", "GET", 200, 0)
	m.RecordKeeperRun("collect", nil)
}
