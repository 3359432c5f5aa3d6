package clearing

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

func TestLockedValueFormula(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(collAddr, poolAddr, e18(100))
	f.vault.debt = e18(10)

	// (100 + 10) * 2.0 * 1 / 1.0
	got, err := f.engine.LockedValue(context.Background(), vaultAddr)
	if err != nil {
		t.Fatalf("locked value: %v", err)
	}
	requireBig(t, "locked value", got, e18(220))
}

func TestLockedValueTruncatesAndNormalizes(t *testing.T) {
	f := newFixture(t)
	f.vault.norm = pow10(10)
	f.vault.collPrice = big.NewInt(1)
	f.vault.refPrice = big.NewInt(3)
	f.register(t)
	f.fund(collAddr, poolAddr, big.NewInt(10))

	// 10 * 1 * 1e10 / 3 = 33333333333.33..
	got, err := f.engine.LockedValue(context.Background(), vaultAddr)
	if err != nil {
		t.Fatalf("locked value: %v", err)
	}
	requireBig(t, "locked value", got, big.NewInt(33_333_333_333))
}

func TestLockedValueMonotonicInBalance(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	prev := big.NewInt(-1)
	for i := 0; i < 5; i++ {
		f.fund(collAddr, poolAddr, big.NewInt(7))
		got, err := f.engine.LockedValue(context.Background(), vaultAddr)
		if err != nil {
			t.Fatalf("locked value: %v", err)
		}
		if got.Sign() < 0 || got.Cmp(prev) <= 0 {
			t.Fatalf("locked value not increasing: %v after %v", got, prev)
		}
		prev = got
	}
}

func TestLockedValueRejectsZeroReferencePrice(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.vault.refPrice = big.NewInt(0)
	if _, err := f.engine.LockedValue(context.Background(), vaultAddr); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestAggregateLockedValueEmptyRegistry(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.AggregateLockedValue(context.Background()); !errors.Is(err, ErrEmptyRegistry) {
		t.Fatalf("expected ErrEmptyRegistry, got %v", err)
	}
}

func TestAggregateLockedValueSumsVaultsAndStableMinusPending(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	secondColl := makeAddress(0xC2)
	f.resolver.tokens[secondColl] = &mockToken{l: f.ledger, asset: secondColl, pool: poolAddr, decimals: 18}
	second := newMockVault(f.ledger, makeAddress(0x72), secondColl)
	second.collPrice = big.NewInt(OraclePriceUnit / 2)
	f.resolver.vaults[second.id] = second
	if _, err := f.engine.RegisterVault(context.Background(), ownerAddr, second.id); err != nil {
		t.Fatalf("register second: %v", err)
	}

	f.fund(collAddr, poolAddr, e18(10))   // 20
	f.fund(secondColl, poolAddr, e18(10)) // 5
	f.fund(stableAddr, poolAddr, e18(100))
	seedTreasury(t, f, e18(30))

	got, err := f.engine.AggregateLockedValue(context.Background())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	requireBig(t, "aggregate", got, e18(20+5+100-30))

	// Disabled vaults still hold pool collateral and keep counting.
	if err := f.engine.SetVaultDisabled(ownerAddr, second.id, true); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, err = f.engine.AggregateLockedValue(context.Background())
	if err != nil {
		t.Fatalf("aggregate after disable: %v", err)
	}
	requireBig(t, "aggregate after disable", got, e18(95))
}

func TestAggregateLockedValueNeverNegative(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(stableAddr, poolAddr, e18(5))
	seedTreasury(t, f, e18(50))

	got, err := f.engine.AggregateLockedValue(context.Background())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	requireBig(t, "aggregate", got, big.NewInt(0))
}

func seedTreasury(t *testing.T, f *fixture, pending *big.Int) {
	t.Helper()
	tx, err := f.engine.begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.putTreasury(Treasury{EarnedPending: pending, EarnedWithdrawn: big.NewInt(0)}); err != nil {
		t.Fatalf("seed treasury: %v", err)
	}
	if err := f.engine.finish(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
