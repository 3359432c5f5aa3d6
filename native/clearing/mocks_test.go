package clearing

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/publu/spacecommand/core/events"
)

type mockStorage struct {
	data map[string][]byte
	puts int
}

func newMockStorage() *mockStorage {
	return &mockStorage{data: make(map[string][]byte)}
}

func (m *mockStorage) KVGet(key []byte, out interface{}) (bool, error) {
	data, ok := m.data[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	return true, rlp.DecodeBytes(data, out)
}

func (m *mockStorage) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.puts++
	m.data[string(key)] = encoded
	return nil
}

func (m *mockStorage) KVAppend(key []byte, value []byte) error {
	var list [][]byte
	if data, ok := m.data[string(key)]; ok {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.KVPut(key, list)
}

func (m *mockStorage) KVGetList(key []byte, out interface{}) error {
	data, ok := m.data[string(key)]
	if !ok {
		return rlp.DecodeBytes([]byte{0xc0}, out)
	}
	return rlp.DecodeBytes(data, out)
}

// ledger is a shared balance sheet for every mock token.
type ledger struct {
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

func newLedger() *ledger {
	return &ledger{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (l *ledger) balance(asset, holder common.Address) *big.Int {
	if l.balances[asset] == nil || l.balances[asset][holder] == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(l.balances[asset][holder])
}

func (l *ledger) set(asset, holder common.Address, amount *big.Int) {
	if l.balances[asset] == nil {
		l.balances[asset] = make(map[common.Address]*big.Int)
	}
	l.balances[asset][holder] = new(big.Int).Set(amount)
}

func (l *ledger) move(asset, from, to common.Address, amount *big.Int) error {
	have := l.balance(asset, from)
	if have.Cmp(amount) < 0 {
		return errors.New("ledger: insufficient funds")
	}
	l.set(asset, from, new(big.Int).Sub(have, amount))
	l.set(asset, to, new(big.Int).Add(l.balance(asset, to), amount))
	return nil
}

type mockToken struct {
	l        *ledger
	asset    common.Address
	pool     common.Address
	decimals uint8
	pullErr  error
}

func (t *mockToken) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	return t.l.balance(t.asset, holder), nil
}

func (t *mockToken) Decimals(context.Context) (uint8, error) { return t.decimals, nil }

func (t *mockToken) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	return t.l.move(t.asset, t.pool, to, amount)
}

func (t *mockToken) TransferFrom(_ context.Context, from, to common.Address, amount *big.Int) error {
	if t.pullErr != nil {
		return t.pullErr
	}
	return t.l.move(t.asset, from, to, amount)
}

func (t *mockToken) Approve(_ context.Context, spender common.Address, amount *big.Int) error {
	if t.l.allowances[t.asset] == nil {
		t.l.allowances[t.asset] = make(map[common.Address]*big.Int)
	}
	t.l.allowances[t.asset][spender] = new(big.Int).Set(amount)
	return nil
}

type mockPosition struct {
	ok     bool
	err    error
	cost   *big.Int
	seized *big.Int
}

type mockVault struct {
	l          *ledger
	id         common.Address
	pool       common.Address
	collateral common.Address
	reference  common.Address
	norm       *big.Int
	collPrice  *big.Int
	refPrice   *big.Int
	gain       uint64
	debt       *big.Int
	due        *big.Int
	positions  map[uint64]mockPosition
	distressed func() error
	pulls      int
}

func (v *mockVault) CollateralAsset(context.Context) (common.Address, error) {
	return v.collateral, nil
}

func (v *mockVault) ReferenceAsset(context.Context) (common.Address, error) {
	return v.reference, nil
}

func (v *mockVault) DecimalNormalizationFactor(context.Context) (*big.Int, error) {
	return v.norm, nil
}

func (v *mockVault) CollateralPrice(context.Context) (*big.Int, error) { return v.collPrice, nil }
func (v *mockVault) ReferencePrice(context.Context) (*big.Int, error)  { return v.refPrice, nil }
func (v *mockVault) GainRatio(context.Context) (uint64, error)         { return v.gain, nil }

func (v *mockVault) OutstandingDebtOwed(_ context.Context, holder common.Address) (*big.Int, error) {
	if holder != v.pool {
		return big.NewInt(0), nil
	}
	return cloneBigInt(v.debt), nil
}

// PullDue hands over seized collateral and repaid stable.
func (v *mockVault) PullDue(context.Context) error {
	v.pulls++
	if !isZero(v.due) {
		if err := v.l.move(v.collateral, v.id, v.pool, v.due); err != nil {
			return err
		}
		v.due = big.NewInt(0)
	}
	if !isZero(v.debt) {
		if err := v.l.move(v.reference, v.id, v.pool, v.debt); err != nil {
			return err
		}
		v.debt = big.NewInt(0)
	}
	return nil
}

func (v *mockVault) LiquidatePosition(_ context.Context, id uint64, _ uint64) (bool, error) {
	pos, ok := v.positions[id]
	if !ok {
		return false, nil
	}
	if pos.err != nil || !pos.ok {
		return false, pos.err
	}
	if err := v.l.move(v.reference, v.pool, v.id, pos.cost); err != nil {
		return false, err
	}
	if err := v.l.move(v.collateral, v.id, v.pool, pos.seized); err != nil {
		return false, err
	}
	delete(v.positions, id)
	return true, nil
}

func (v *mockVault) BuyDistressedPosition(context.Context, uint64) error {
	if v.distressed != nil {
		return v.distressed()
	}
	return nil
}

type mockResolver struct {
	vaults map[common.Address]*mockVault
	tokens map[common.Address]*mockToken
}

func (r *mockResolver) Vault(id common.Address) (Vault, error) {
	v, ok := r.vaults[id]
	if !ok {
		return nil, errors.New("unknown vault")
	}
	return v, nil
}

func (r *mockResolver) Token(asset common.Address) (Token, error) {
	t, ok := r.tokens[asset]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return t, nil
}

type placedOrder struct {
	key    common.Hash
	asset  common.Address
	amount *big.Int
}

type mockVenue struct {
	addr      common.Address
	liquidity *big.Int
	orders    []placedOrder
}

func (v *mockVenue) Address() common.Address { return v.addr }

func (v *mockVenue) Liquidity(context.Context, common.Hash) (*big.Int, error) {
	return cloneBigInt(v.liquidity), nil
}

func (v *mockVenue) PlaceOneSidedOrder(_ context.Context, key common.Hash, asset common.Address, amount *big.Int) error {
	v.orders = append(v.orders, placedOrder{key: key, asset: asset, amount: new(big.Int).Set(amount)})
	return nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) ofType(eventType string) []events.Record {
	var out []events.Record
	for _, evt := range r.events {
		if evt.EventType() == eventType {
			out = append(out, events.Payload(evt))
		}
	}
	return out
}

type stubPauseView struct{ paused bool }

func (s stubPauseView) IsPaused(module string) bool { return s.paused && module == ModuleName }

func makeAddress(fill byte) common.Address {
	var addr common.Address
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func e18(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), pow10(18)) }

var (
	poolAddr   = makeAddress(0xA0)
	ownerAddr  = makeAddress(0x0A)
	stableAddr = makeAddress(0x51)
	collAddr   = makeAddress(0xC1)
	vaultAddr  = makeAddress(0x71)
	aliceAddr  = makeAddress(0x11)
	bobAddr    = makeAddress(0x22)
)

type fixture struct {
	engine   *Engine
	store    *mockStorage
	ledger   *ledger
	resolver *mockResolver
	stable   *mockToken
	coll     *mockToken
	vault    *mockVault
	emitter  *recordingEmitter
	now      int64
}

// newFixture builds an engine with one unregistered vault whose collateral
// is an 18 decimal token priced at 2.0 against a reference price of 1.0.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := newLedger()
	f := &fixture{
		store:   newMockStorage(),
		ledger:  l,
		emitter: &recordingEmitter{},
		now:     1_700_000_000,
	}
	f.stable = &mockToken{l: l, asset: stableAddr, pool: poolAddr, decimals: 18}
	f.coll = &mockToken{l: l, asset: collAddr, pool: poolAddr, decimals: 18}
	f.vault = newMockVault(l, vaultAddr, collAddr)
	f.resolver = &mockResolver{
		vaults: map[common.Address]*mockVault{vaultAddr: f.vault},
		tokens: map[common.Address]*mockToken{stableAddr: f.stable, collAddr: f.coll},
	}
	f.engine = NewEngine(poolAddr, ownerAddr)
	f.engine.SetState(f.store)
	f.engine.SetResolver(f.resolver)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return f.now })
	return f
}

func newMockVault(l *ledger, id, collateral common.Address) *mockVault {
	return &mockVault{
		l:          l,
		id:         id,
		pool:       poolAddr,
		collateral: collateral,
		reference:  stableAddr,
		norm:       big.NewInt(1),
		collPrice:  big.NewInt(2 * OraclePriceUnit),
		refPrice:   big.NewInt(OraclePriceUnit),
		gain:       1_100,
		debt:       big.NewInt(0),
		due:        big.NewInt(0),
		positions:  make(map[uint64]mockPosition),
	}
}

func (f *fixture) register(t *testing.T) {
	t.Helper()
	if _, err := f.engine.RegisterVault(context.Background(), ownerAddr, vaultAddr); err != nil {
		t.Fatalf("register vault: %v", err)
	}
}

func (f *fixture) fund(asset, holder common.Address, amount *big.Int) {
	f.ledger.set(asset, holder, new(big.Int).Add(f.ledger.balance(asset, holder), amount))
}

func (f *fixture) deposit(t *testing.T, who common.Address, amount *big.Int) *big.Int {
	t.Helper()
	f.fund(stableAddr, who, amount)
	shares, err := f.engine.Deposit(context.Background(), who, amount)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return shares
}

func requireBig(t *testing.T, label string, got *big.Int, want *big.Int) {
	t.Helper()
	if got == nil || got.Cmp(want) != 0 {
		t.Fatalf("%s: got %v want %v", label, got, want)
	}
}
