package clearing

import (
	"context"
	"errors"
	"testing"
)

func TestReleaseExceedsPendingWithLargerBalance(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(stableAddr, poolAddr, e18(1_000))
	seedTreasury(t, f, e18(10))

	if _, err := f.engine.Release(context.Background(), ownerAddr, e18(11)); !errors.Is(err, ErrExceedsPending) {
		t.Fatalf("expected ErrExceedsPending, got %v", err)
	}
}

func TestReleaseInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(stableAddr, poolAddr, e18(5))
	seedTreasury(t, f, e18(10))

	if _, err := f.engine.Release(context.Background(), ownerAddr, e18(8)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestReleaseMovesPendingToWithdrawn(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.fund(stableAddr, poolAddr, e18(100))
	seedTreasury(t, f, e18(10))

	tr, err := f.engine.Release(context.Background(), ownerAddr, e18(4))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	requireBig(t, "pending", tr.EarnedPending, e18(6))
	requireBig(t, "withdrawn", tr.EarnedWithdrawn, e18(4))
	requireBig(t, "owner balance", f.ledger.balance(stableAddr, ownerAddr), e18(4))

	stored, err := f.engine.Treasury()
	if err != nil {
		t.Fatalf("treasury: %v", err)
	}
	requireBig(t, "stored pending", stored.EarnedPending, e18(6))

	value, err := f.engine.AggregateLockedValue(context.Background())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	requireBig(t, "aggregate after release", value, e18(90))
	if len(f.emitter.ofType(EventTypeTreasuryRelease)) != 1 {
		t.Fatalf("expected release event")
	}
}

func TestReleaseGuards(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	if _, err := f.engine.Release(context.Background(), aliceAddr, e18(1)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := f.engine.Release(context.Background(), ownerAddr, nil); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}
