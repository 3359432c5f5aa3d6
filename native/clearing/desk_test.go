package clearing

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

func setupDesk(t *testing.T, inventory *big.Int) *fixture {
	t.Helper()
	f := newFixture(t)
	f.coll.decimals = 8
	f.register(t)
	f.fund(collAddr, poolAddr, inventory)
	return f
}

func TestBuyCollateralWithinInventory(t *testing.T) {
	f := setupDesk(t, big.NewInt(100e8))
	f.fund(stableAddr, aliceAddr, e18(10))

	res, err := f.engine.BuyCollateral(context.Background(), aliceAddr, vaultAddr, e18(10))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// 10 stable at 2.0 buys 5 collateral with 8 decimals.
	requireBig(t, "collateral out", res.CollateralOut, big.NewInt(5e8))
	requireBig(t, "stable charged", res.StableCharged, e18(10))
	if res.Shrunk {
		t.Fatalf("trade should not shrink")
	}
	requireBig(t, "buyer collateral", f.ledger.balance(collAddr, aliceAddr), big.NewInt(5e8))
	requireBig(t, "pool stable", f.ledger.balance(stableAddr, poolAddr), e18(10))

	recs := f.emitter.ofType(EventTypeCollateralSold)
	if len(recs) != 1 || recs[0].Attributes["collateral"] != "500000000" || recs[0].Attributes["price"] != "200000000" {
		t.Fatalf("unexpected sale events %+v", recs)
	}
}

func TestBuyCollateralShrinksToInventory(t *testing.T) {
	f := setupDesk(t, big.NewInt(3e8))
	f.fund(stableAddr, aliceAddr, e18(10))

	res, err := f.engine.BuyCollateral(context.Background(), aliceAddr, vaultAddr, e18(10))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Shrunk {
		t.Fatalf("expected shrunk trade")
	}
	requireBig(t, "collateral out", res.CollateralOut, big.NewInt(3e8))
	requireBig(t, "stable charged", res.StableCharged, e18(6))
	requireBig(t, "buyer stable left", f.ledger.balance(stableAddr, aliceAddr), e18(4))
	requireBig(t, "pool collateral", f.ledger.balance(collAddr, poolAddr), big.NewInt(0))
}

func TestBuyCollateralRejectsDustForFree(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.vault.collPrice = big.NewInt(OraclePriceUnit / 2)
	f.fund(collAddr, poolAddr, big.NewInt(1))
	f.fund(stableAddr, aliceAddr, e18(1))

	if _, err := f.engine.BuyCollateral(context.Background(), aliceAddr, vaultAddr, e18(1)); !errors.Is(err, ErrNoCollateralAvailable) {
		t.Fatalf("expected ErrNoCollateralAvailable, got %v", err)
	}
	requireBig(t, "pool collateral", f.ledger.balance(collAddr, poolAddr), big.NewInt(1))
	requireBig(t, "buyer stable", f.ledger.balance(stableAddr, aliceAddr), e18(1))
	if len(f.emitter.ofType(EventTypeCollateralSold)) != 0 {
		t.Fatalf("rejected sale must not emit")
	}
}

func TestBuyCollateralValidation(t *testing.T) {
	f := setupDesk(t, big.NewInt(0))
	ctx := context.Background()
	f.fund(stableAddr, aliceAddr, e18(10))

	if _, err := f.engine.BuyCollateral(ctx, aliceAddr, vaultAddr, e18(1)); !errors.Is(err, ErrNoCollateralAvailable) {
		t.Fatalf("expected ErrNoCollateralAvailable, got %v", err)
	}
	if err := f.engine.SetMinPurchase(ownerAddr, e18(5)); err != nil {
		t.Fatalf("set min purchase: %v", err)
	}
	if _, err := f.engine.BuyCollateral(ctx, aliceAddr, vaultAddr, e18(4)); !errors.Is(err, ErrBelowMinimumPurchase) {
		t.Fatalf("expected ErrBelowMinimumPurchase, got %v", err)
	}
	requireBig(t, "buyer untouched", f.ledger.balance(stableAddr, aliceAddr), e18(10))
}

func TestBuyCollateralPullsDueFirst(t *testing.T) {
	f := setupDesk(t, big.NewInt(0))
	f.fund(collAddr, vaultAddr, big.NewInt(2e8))
	f.fund(stableAddr, vaultAddr, e18(3))
	f.vault.due = big.NewInt(2e8)
	f.vault.debt = e18(3)
	f.fund(stableAddr, aliceAddr, e18(4))

	res, err := f.engine.BuyCollateral(context.Background(), aliceAddr, vaultAddr, e18(4))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if f.vault.pulls != 1 {
		t.Fatalf("expected due funds pulled once, got %d", f.vault.pulls)
	}
	requireBig(t, "collateral out", res.CollateralOut, big.NewInt(2e8))
	requireBig(t, "pool stable", f.ledger.balance(stableAddr, poolAddr), e18(7))
}

func TestRouteToSwapVenue(t *testing.T) {
	f := setupDesk(t, big.NewInt(7e8))
	ctx := context.Background()
	if _, err := f.engine.RouteToSwapVenue(ctx, vaultAddr); !errors.Is(err, ErrNoSwapVenue) {
		t.Fatalf("expected ErrNoSwapVenue, got %v", err)
	}

	venue := &mockVenue{addr: makeAddress(0x5A), liquidity: big.NewInt(0)}
	f.engine.SetSwapVenue(venue)
	if _, err := f.engine.RouteToSwapVenue(ctx, vaultAddr); !errors.Is(err, ErrNoLiquidity) {
		t.Fatalf("expected ErrNoLiquidity, got %v", err)
	}

	venue.liquidity = e18(1)
	routed, err := f.engine.RouteToSwapVenue(ctx, vaultAddr)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	requireBig(t, "routed", routed, big.NewInt(7e8))
	if len(venue.orders) != 1 {
		t.Fatalf("expected one order, got %d", len(venue.orders))
	}
	order := venue.orders[0]
	if order.key != PoolKey(stableAddr, collAddr) || order.asset != collAddr {
		t.Fatalf("unexpected order %+v", order)
	}
	requireBig(t, "venue allowance", f.ledger.allowances[collAddr][venue.addr], big.NewInt(7e8))
	snap, err := f.engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	requireBig(t, "accounting untouched", snap.Treasury.EarnedPending, big.NewInt(0))
}

func TestStableCollateralConversions(t *testing.T) {
	price := big.NewInt(2 * OraclePriceUnit)
	out, err := stableToCollateral(e18(10), price, 24)
	if err != nil {
		t.Fatalf("to collateral: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(5), pow10(24))
	requireBig(t, "collateral with 24 decimals", out, want)

	back, err := collateralToStable(out, price, 24)
	if err != nil {
		t.Fatalf("to stable: %v", err)
	}
	requireBig(t, "round trip", back, e18(10))

	out, err = stableToCollateral(e18(10), price, 18)
	if err != nil {
		t.Fatalf("to collateral: %v", err)
	}
	requireBig(t, "collateral with 18 decimals", out, e18(5))
}
