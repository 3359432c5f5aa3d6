package keeper

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/publu/spacecommand/native/clearing"
	"github.com/publu/spacecommand/native/clearing/clearingtest"
	"github.com/publu/spacecommand/observability/metrics"
	"github.com/publu/spacecommand/storage"
)

var (
	poolAddr   = common.HexToAddress("0xa0")
	ownerAddr  = common.HexToAddress("0x0a")
	stableAddr = common.HexToAddress("0x51")
	collAddr   = common.HexToAddress("0xc1")
)

type lockedExec struct {
	mu     sync.Mutex
	engine *clearing.Engine
	calls  int
}

func (l *lockedExec) Exec(fn func(*clearing.Engine) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return fn(l.engine)
}

func setup(t *testing.T, vaults ...common.Address) (*lockedExec, *clearingtest.World) {
	t.Helper()
	world := clearingtest.NewWorld(poolAddr)
	world.AddToken(stableAddr, 18)
	world.AddToken(collAddr, 18)
	for _, id := range vaults {
		world.AddVault(id, collAddr, stableAddr, big.NewInt(clearing.OraclePriceUnit), 1_100)
	}
	engine := clearing.NewEngine(poolAddr, ownerAddr)
	engine.SetState(storage.NewKVStore(storage.NewMemDB(), clearing.ModuleName))
	engine.SetResolver(world)
	if len(vaults) > 0 {
		_, err := engine.RegisterVaults(context.Background(), ownerAddr, vaults)
		require.NoError(t, err)
	}
	return &lockedExec{engine: engine}, world
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metricLoop:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metricLoop
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func TestCollectAllSkipsDisabledVaults(t *testing.T) {
	first := common.HexToAddress("0x71")
	second := common.HexToAddress("0x72")
	exec, world := setup(t, first, second)

	for _, id := range []common.Address{first, second} {
		v, err := world.Vault(id)
		require.NoError(t, err)
		world.Ledger.Mint(collAddr, id, big.NewInt(9))
		v.(*clearingtest.Vault).Due = big.NewInt(9)
	}
	require.NoError(t, exec.engine.SetVaultDisabled(ownerAddr, second, true))

	k, err := New(context.Background(), Config{}, exec, nil, nil)
	require.NoError(t, err)
	got, err := k.CollectAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(9), got[first].Int64())
	require.Equal(t, int64(9), world.Ledger.Balance(collAddr, poolAddr).Int64())
	require.Equal(t, int64(9), world.Ledger.Balance(collAddr, second).Int64())
}

func TestCollectAllReportsFailuresAndContinues(t *testing.T) {
	broken := common.HexToAddress("0x71")
	healthy := common.HexToAddress("0x72")
	exec, world := setup(t, broken, healthy)

	v, err := world.Vault(broken)
	require.NoError(t, err)
	// Owes collateral it does not hold.
	v.(*clearingtest.Vault).Due = big.NewInt(5)
	world.Ledger.Mint(collAddr, healthy, big.NewInt(3))
	v, err = world.Vault(healthy)
	require.NoError(t, err)
	v.(*clearingtest.Vault).Due = big.NewInt(3)

	k, err := New(context.Background(), Config{}, exec, nil, nil)
	require.NoError(t, err)
	got, err := k.CollectAll(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, clearingtest.ErrInsufficientFunds)
	require.Contains(t, err.Error(), broken.Hex())
	require.Equal(t, int64(3), got[healthy].Int64())
	require.NotContains(t, got, broken)
}

func TestSnapshotPublishesGauges(t *testing.T) {
	vault := common.HexToAddress("0x71")
	exec, world := setup(t, vault)
	world.Ledger.Mint(stableAddr, poolAddr, big.NewInt(1_000))

	reg := prometheus.NewRegistry()
	m := metrics.NewClearing(reg)
	k, err := New(context.Background(), Config{}, exec, m, nil)
	require.NoError(t, err)

	snap, err := k.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snap.VaultCount)
	require.Equal(t, float64(1), counterValue(t, reg, "spacecommand_pool_vaults", nil))
	require.Equal(t, float64(1_000), counterValue(t, reg, "spacecommand_pool_stable_balance", nil))
}

func TestRunRecordsOutcome(t *testing.T) {
	exec, _ := setup(t, common.HexToAddress("0x71"))
	reg := prometheus.NewRegistry()
	k, err := New(context.Background(), Config{}, exec, metrics.NewClearing(reg), nil)
	require.NoError(t, err)

	k.run(JobSnapshot, func(context.Context) error { return nil })
	k.run(JobCollect, func(context.Context) error { return context.DeadlineExceeded })

	require.Equal(t, float64(1), counterValue(t, reg, "spacecommand_keeper_runs_total", map[string]string{"job": JobSnapshot, "outcome": "ok"}))
	require.Equal(t, float64(1), counterValue(t, reg, "spacecommand_keeper_runs_total", map[string]string{"job": JobCollect, "outcome": "error"}))
}

func TestRunAppliesTimeout(t *testing.T) {
	exec, _ := setup(t)
	k, err := New(context.Background(), Config{Timeout: 10 * time.Millisecond}, exec, nil, nil)
	require.NoError(t, err)
	var deadline time.Time
	k.run(JobCollect, func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	})
	require.False(t, deadline.IsZero())
	require.WithinDuration(t, time.Now(), deadline, time.Second)
}

func TestNewValidatesSchedules(t *testing.T) {
	exec, _ := setup(t)
	_, err := New(context.Background(), Config{CollectSchedule: "every tuesday"}, exec, nil, nil)
	require.Error(t, err)

	_, err = New(context.Background(), Config{}, nil, nil, nil)
	require.Error(t, err)

	k, err := New(context.Background(), Config{CollectSchedule: "0 */5 * * * *", SnapshotSchedule: "*/30 * * * * *"}, exec, nil, nil)
	require.NoError(t, err)
	require.Len(t, k.cron.Entries(), 2)
}

func TestScheduledSnapshotRuns(t *testing.T) {
	exec, _ := setup(t, common.HexToAddress("0x71"))
	k, err := New(context.Background(), Config{SnapshotSchedule: "* * * * * *"}, exec, nil, nil)
	require.NoError(t, err)
	k.Start()
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.calls > 0
	}, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, k.Stop(ctx))
}
