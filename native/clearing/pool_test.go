package clearing

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

func TestDepositBootstrapIdentity(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	shares := f.deposit(t, aliceAddr, e18(100))
	requireBig(t, "bootstrap shares", shares, e18(100))

	value, err := f.engine.ValueOfShares(context.Background(), shares)
	if err != nil {
		t.Fatalf("value of shares: %v", err)
	}
	requireBig(t, "value of minted shares", value, e18(100))
	requireBig(t, "pool stable", f.ledger.balance(stableAddr, poolAddr), e18(100))
}

func TestDepositProportionality(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))
	// Collateral worth 100 doubles the share price.
	f.fund(collAddr, poolAddr, e18(50))

	first := f.deposit(t, bobAddr, e18(50))
	second := f.deposit(t, makeAddress(0x33), e18(50))
	requireBig(t, "first deposit", first, e18(25))
	requireBig(t, "second deposit", second, e18(25))
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.Deposit(ctx, aliceAddr, e18(1)); !errors.Is(err, ErrEmptyRegistry) {
		t.Fatalf("expected ErrEmptyRegistry, got %v", err)
	}
	f.register(t)
	if _, err := f.engine.Deposit(ctx, aliceAddr, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if err := f.engine.SetMinDeposit(ownerAddr, e18(10)); err != nil {
		t.Fatalf("set min deposit: %v", err)
	}
	if _, err := f.engine.Deposit(ctx, aliceAddr, e18(5)); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestDepositTooSmallToMint(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))
	f.fund(collAddr, poolAddr, e18(50))

	f.fund(stableAddr, bobAddr, big.NewInt(1))
	if _, err := f.engine.Deposit(context.Background(), bobAddr, big.NewInt(1)); !errors.Is(err, ErrZeroShares) {
		t.Fatalf("expected ErrZeroShares, got %v", err)
	}
	requireBig(t, "bob keeps funds", f.ledger.balance(stableAddr, bobAddr), big.NewInt(1))
}

func TestDepositFailureLeavesNoState(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	before := f.store.puts
	f.stable.pullErr = errors.New("allowance missing")

	f.fund(stableAddr, aliceAddr, e18(10))
	if _, err := f.engine.Deposit(context.Background(), aliceAddr, e18(10)); err == nil {
		t.Fatalf("expected pull failure")
	}
	if f.store.puts != before {
		t.Fatalf("failed deposit wrote %d keys", f.store.puts-before)
	}
	supply, _ := f.engine.TotalShares()
	requireBig(t, "supply", supply, big.NewInt(0))
	if len(f.emitter.ofType(EventTypeDeposit)) != 0 {
		t.Fatalf("failed deposit emitted an event")
	}
}

func TestWithdrawalWindow(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))
	ctx := context.Background()

	req, err := f.engine.RequestWithdrawal(aliceAddr, e18(40))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.ReadyAt != f.now+WithdrawalDelay {
		t.Fatalf("unexpected ready time %d", req.ReadyAt)
	}
	if _, err := f.engine.ClaimWithdrawal(ctx, aliceAddr); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	f.now = req.ReadyAt - 1
	if _, err := f.engine.ClaimWithdrawal(ctx, aliceAddr); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady one second early, got %v", err)
	}

	f.now = req.ReadyAt + WithdrawalGrace
	paid, err := f.engine.ClaimWithdrawal(ctx, aliceAddr)
	if err != nil {
		t.Fatalf("claim at window end: %v", err)
	}
	requireBig(t, "paid", paid, e18(40))
	requireBig(t, "alice stable", f.ledger.balance(stableAddr, aliceAddr), e18(40))
	shares, _ := f.engine.SharesOf(aliceAddr)
	requireBig(t, "remaining shares", shares, e18(60))
	supply, _ := f.engine.TotalShares()
	requireBig(t, "supply", supply, e18(60))

	if _, err := f.engine.ClaimWithdrawal(ctx, aliceAddr); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("expected ErrNoRequest after claim, got %v", err)
	}
}

func TestWithdrawalExpiredRequestStaysStuck(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))
	ctx := context.Background()

	req, err := f.engine.RequestWithdrawal(aliceAddr, e18(10))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	f.now = req.ReadyAt + WithdrawalGrace + 1
	for i := 0; i < 2; i++ {
		if _, err := f.engine.ClaimWithdrawal(ctx, aliceAddr); !errors.Is(err, ErrRequestExpired) {
			t.Fatalf("attempt %d: expected ErrRequestExpired, got %v", i, err)
		}
	}
	stored, status, err := f.engine.WithdrawalRequestOf(aliceAddr)
	if err != nil {
		t.Fatalf("request of: %v", err)
	}
	if status != WithdrawalExpired {
		t.Fatalf("expected expired status, got %s", status)
	}
	requireBig(t, "stale request", stored.Shares, e18(10))
	shares, _ := f.engine.SharesOf(aliceAddr)
	requireBig(t, "shares untouched", shares, e18(100))
}

func TestWithdrawalReRequestResetsExpiredTimer(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))
	ctx := context.Background()

	req, err := f.engine.RequestWithdrawal(aliceAddr, e18(10))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	f.now = req.ReadyAt + WithdrawalGrace + 1
	if _, err := f.engine.ClaimWithdrawal(ctx, aliceAddr); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}

	renewed, err := f.engine.RequestWithdrawal(aliceAddr, e18(10))
	if err != nil {
		t.Fatalf("re-request: %v", err)
	}
	if renewed.ReadyAt != f.now+WithdrawalDelay {
		t.Fatalf("re-request did not reset the timer")
	}
	if _, status, _ := f.engine.WithdrawalRequestOf(aliceAddr); status != WithdrawalPending {
		t.Fatalf("expected pending status, got %s", status)
	}
	f.now = renewed.ReadyAt
	paid, err := f.engine.ClaimWithdrawal(ctx, aliceAddr)
	if err != nil {
		t.Fatalf("claim after re-request: %v", err)
	}
	requireBig(t, "paid", paid, e18(10))
}

func TestWithdrawalRequestOverwrites(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))

	if _, err := f.engine.RequestWithdrawal(aliceAddr, e18(10)); err != nil {
		t.Fatalf("first request: %v", err)
	}
	f.now += 3_600
	second, err := f.engine.RequestWithdrawal(aliceAddr, e18(4))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	f.now = second.ReadyAt
	if _, err := f.engine.ClaimWithdrawal(context.Background(), aliceAddr); err != nil {
		t.Fatalf("claim: %v", err)
	}
	shares, _ := f.engine.SharesOf(aliceAddr)
	requireBig(t, "shares after overwrite claim", shares, e18(96))
}

func TestWithdrawalRequestValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))
	if _, err := f.engine.RequestWithdrawal(aliceAddr, e18(101)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if _, err := f.engine.RequestWithdrawal(aliceAddr, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestClaimAfterSharesTransferredAway(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))

	req, err := f.engine.RequestWithdrawal(aliceAddr, e18(50))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.TransferShares(aliceAddr, bobAddr, e18(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	f.now = req.ReadyAt
	if _, err := f.engine.ClaimWithdrawal(context.Background(), aliceAddr); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	bob, _ := f.engine.SharesOf(bobAddr)
	requireBig(t, "bob shares", bob, e18(60))
	supply, _ := f.engine.TotalShares()
	requireBig(t, "supply unchanged", supply, e18(100))
}

func TestClaimInsufficientLiquidity(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(100))
	f.fund(collAddr, poolAddr, e18(50))

	req, err := f.engine.RequestWithdrawal(aliceAddr, e18(100))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	f.now = req.ReadyAt
	if _, err := f.engine.ClaimWithdrawal(context.Background(), aliceAddr); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestValueOfSharesWithoutSupply(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	if _, err := f.engine.ValueOfShares(context.Background(), e18(1)); !errors.Is(err, ErrDivideByZero) {
		t.Fatalf("expected ErrDivideByZero, got %v", err)
	}
}

func TestTransferSharesValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.deposit(t, aliceAddr, e18(10))
	if err := f.engine.TransferShares(aliceAddr, bobAddr, e18(11)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if err := f.engine.TransferShares(aliceAddr, bobAddr, nil); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if err := f.engine.TransferShares(aliceAddr, aliceAddr, e18(10)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	shares, _ := f.engine.SharesOf(aliceAddr)
	requireBig(t, "self transfer keeps balance", shares, e18(10))
}
