// Package clearingtest provides in-memory vault, token and venue doubles for
// exercising the clearing engine from other packages.
package clearingtest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/publu/spacecommand/native/clearing"
)

// ErrInsufficientFunds is returned by token moves that would overdraw.
var ErrInsufficientFunds = errors.New("clearingtest: insufficient funds")

// Ledger tracks balances and allowances for every fake token.
type Ledger struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[[2]common.Address]*big.Int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[[2]common.Address]*big.Int),
	}
}

// Mint credits holder with amount of asset.
func (l *Ledger) Mint(asset, holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(asset, holder, amount)
}

// Balance returns holder's balance of asset.
func (l *Ledger) Balance(asset, holder common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[asset][holder]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Approve sets owner's allowance for spender.
func (l *Ledger) Approve(asset, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[asset] == nil {
		l.allowances[asset] = make(map[[2]common.Address]*big.Int)
	}
	l.allowances[asset][[2]common.Address{owner, spender}] = new(big.Int).Set(amount)
}

// Allowance returns the remaining allowance.
func (l *Ledger) Allowance(asset, owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.allowances[asset][[2]common.Address{owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (l *Ledger) credit(asset, holder common.Address, amount *big.Int) {
	if l.balances[asset] == nil {
		l.balances[asset] = make(map[common.Address]*big.Int)
	}
	bal, ok := l.balances[asset][holder]
	if !ok {
		bal = big.NewInt(0)
	}
	l.balances[asset][holder] = new(big.Int).Add(bal, amount)
}

func (l *Ledger) move(asset, from, to common.Address, amount *big.Int) error {
	bal, ok := l.balances[asset][from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %v", ErrInsufficientFunds, from.Hex(), bal)
	}
	l.balances[asset][from] = new(big.Int).Sub(bal, amount)
	l.credit(asset, to, amount)
	return nil
}

// Token is a fake fungible token acting for a fixed account.
type Token struct {
	ledger   *Ledger
	asset    common.Address
	self     common.Address
	decimals uint8
}

func (t *Token) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	return t.ledger.Balance(t.asset, holder), nil
}

func (t *Token) Decimals(context.Context) (uint8, error) { return t.decimals, nil }

func (t *Token) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	return t.ledger.move(t.asset, t.self, to, amount)
}

func (t *Token) TransferFrom(_ context.Context, from, to common.Address, amount *big.Int) error {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	key := [2]common.Address{from, t.self}
	allowed, ok := t.ledger.allowances[t.asset][key]
	if !ok || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance", ErrInsufficientFunds)
	}
	if err := t.ledger.move(t.asset, from, to, amount); err != nil {
		return err
	}
	t.ledger.allowances[t.asset][key] = new(big.Int).Sub(allowed, amount)
	return nil
}

func (t *Token) Approve(_ context.Context, spender common.Address, amount *big.Int) error {
	t.ledger.Approve(t.asset, t.self, spender, amount)
	return nil
}

// Vault is a fake collateral vault. Liquidating a listed position credits its
// Seized collateral to the pool and charges its Cost in the reference asset.
// PullDue moves Due collateral and Debt reference units from the vault's own
// balance to the pool.
type Vault struct {
	mu            sync.Mutex
	ledger        *Ledger
	ID            common.Address
	Pool          common.Address
	Collateral    common.Address
	Reference     common.Address
	Normalization *big.Int
	Price         *big.Int
	RefPrice      *big.Int
	Gain          uint64
	Positions     map[uint64]Position
	Due           *big.Int
	Debt          *big.Int
}

// Position is a liquidatable position held by a fake vault.
type Position struct {
	Cost   *big.Int
	Seized *big.Int
}

func (v *Vault) CollateralAsset(context.Context) (common.Address, error) { return v.Collateral, nil }
func (v *Vault) ReferenceAsset(context.Context) (common.Address, error)  { return v.Reference, nil }

func (v *Vault) DecimalNormalizationFactor(context.Context) (*big.Int, error) {
	return new(big.Int).Set(v.Normalization), nil
}

func (v *Vault) CollateralPrice(context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.Price), nil
}

func (v *Vault) ReferencePrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(v.RefPrice), nil
}

func (v *Vault) OutstandingDebtOwed(context.Context, common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Debt == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(v.Debt), nil
}

func (v *Vault) PullDue(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ledger.mu.Lock()
	defer v.ledger.mu.Unlock()
	if v.Due != nil && v.Due.Sign() > 0 {
		if err := v.ledger.move(v.Collateral, v.ID, v.Pool, v.Due); err != nil {
			return err
		}
		v.Due = big.NewInt(0)
	}
	if v.Debt != nil && v.Debt.Sign() > 0 {
		if err := v.ledger.move(v.Reference, v.ID, v.Pool, v.Debt); err != nil {
			return err
		}
		v.Debt = big.NewInt(0)
	}
	return nil
}

func (v *Vault) LiquidatePosition(_ context.Context, positionID uint64, _ uint64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.Positions[positionID]
	if !ok {
		return false, nil
	}
	v.ledger.mu.Lock()
	defer v.ledger.mu.Unlock()
	if err := v.ledger.move(v.Reference, v.Pool, v.ID, pos.Cost); err != nil {
		return false, err
	}
	v.ledger.credit(v.Collateral, v.Pool, pos.Seized)
	delete(v.Positions, positionID)
	return true, nil
}

func (v *Vault) BuyDistressedPosition(_ context.Context, positionID uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.Positions[positionID]; !ok {
		return fmt.Errorf("clearingtest: position %d not distressed", positionID)
	}
	delete(v.Positions, positionID)
	return nil
}

func (v *Vault) GainRatio(context.Context) (uint64, error) { return v.Gain, nil }

// SetPrice updates the collateral oracle price.
func (v *Vault) SetPrice(price *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Price = new(big.Int).Set(price)
}

// Venue is a fake swap venue recording placed orders.
type Venue struct {
	mu        sync.Mutex
	Addr      common.Address
	Depth     *big.Int
	Orders    []Order
	ledger    *Ledger
	principal common.Address
}

// Order is a one-sided order placed on the fake venue.
type Order struct {
	Key    common.Hash
	Asset  common.Address
	Amount *big.Int
}

func (v *Venue) Address() common.Address { return v.Addr }

func (v *Venue) Liquidity(context.Context, common.Hash) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.Depth), nil
}

func (v *Venue) PlaceOneSidedOrder(_ context.Context, key common.Hash, asset common.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ledger.mu.Lock()
	defer v.ledger.mu.Unlock()
	if err := v.ledger.move(asset, v.principal, v.Addr, amount); err != nil {
		return err
	}
	v.Orders = append(v.Orders, Order{Key: key, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

// World wires a ledger, tokens and vaults together for one pool account.
type World struct {
	Ledger *Ledger
	Pool   common.Address

	mu     sync.Mutex
	tokens map[common.Address]*Token
	vaults map[common.Address]*Vault
}

// NewWorld creates an empty world acting for pool.
func NewWorld(pool common.Address) *World {
	return &World{
		Ledger: NewLedger(),
		Pool:   pool,
		tokens: make(map[common.Address]*Token),
		vaults: make(map[common.Address]*Vault),
	}
}

// AddToken registers a token with the given decimals.
func (w *World) AddToken(asset common.Address, decimals uint8) *Token {
	w.mu.Lock()
	defer w.mu.Unlock()
	tok := &Token{ledger: w.Ledger, asset: asset, self: w.Pool, decimals: decimals}
	w.tokens[asset] = tok
	return tok
}

// AddVault registers a vault with a 1:1 reference price, unit
// normalization and the supplied collateral price and gain ratio.
func (w *World) AddVault(id, collateral, reference common.Address, price *big.Int, gain uint64) *Vault {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := &Vault{
		ledger:        w.Ledger,
		ID:            id,
		Pool:          w.Pool,
		Collateral:    collateral,
		Reference:     reference,
		Normalization: big.NewInt(1),
		Price:         new(big.Int).Set(price),
		RefPrice:      big.NewInt(clearing.OraclePriceUnit),
		Gain:          gain,
		Positions:     make(map[uint64]Position),
		Due:           big.NewInt(0),
		Debt:          big.NewInt(0),
	}
	w.vaults[id] = v
	return v
}

// NewVenue returns a venue with the given depth, spending the pool's funds.
func (w *World) NewVenue(addr common.Address, depth *big.Int) *Venue {
	return &Venue{Addr: addr, Depth: new(big.Int).Set(depth), ledger: w.Ledger, principal: w.Pool}
}

// Vault implements clearing.Resolver.
func (w *World) Vault(id common.Address) (clearing.Vault, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.vaults[id]
	if !ok {
		return nil, fmt.Errorf("clearingtest: unknown vault %s", id.Hex())
	}
	return v, nil
}

// Token implements clearing.Resolver.
func (w *World) Token(asset common.Address) (clearing.Token, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tokens[asset]
	if !ok {
		return nil, fmt.Errorf("clearingtest: unknown token %s", asset.Hex())
	}
	return t, nil
}

var (
	_ clearing.Resolver  = (*World)(nil)
	_ clearing.Vault     = (*Vault)(nil)
	_ clearing.Token     = (*Token)(nil)
	_ clearing.SwapVenue = (*Venue)(nil)
)
