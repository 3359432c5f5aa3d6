package clearing

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/publu/spacecommand/core/events"
	nativecommon "github.com/publu/spacecommand/native/common"
)

// Engine implements the clearinghouse: vault registry, valuation, fee
// treasury, liquidations, the share pool and the direct sale desk. The engine
// is a serial state machine and is not safe for concurrent use; hosts must
// serialise calls.
type Engine struct {
	state    Storage
	resolver Resolver
	venue    SwapVenue
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	nowFn    func() int64

	pool     common.Address
	owner    common.Address
	defaults Params

	handles    map[common.Address]Vault
	distressed nativecommon.ReentrancyGuard
}

// NewEngine creates an engine acting for the pool account and administered by
// owner. State, resolver and emitter are wired through the setters.
func NewEngine(pool, owner common.Address) *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		pool:     pool,
		owner:    owner,
		defaults: DefaultParams(),
		handles:  make(map[common.Address]Vault),
	}
}

// SetState configures the KV backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetResolver configures how vault and token handles are obtained.
func (e *Engine) SetResolver(resolver Resolver) {
	e.resolver = resolver
	e.handles = make(map[common.Address]Vault)
}

// SetSwapVenue configures the venue used by RouteToSwapVenue.
func (e *Engine) SetSwapVenue(venue SwapVenue) { e.venue = venue }

// SetPauses wires the module pause switch.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetDefaultParams sets the parameters used until the owner first changes
// one.
func (e *Engine) SetDefaultParams(p Params) { e.defaults = p.Clone() }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Pool returns the pool account address.
func (e *Engine) Pool() common.Address { return e.pool }

// Owner returns the administrator address.
func (e *Engine) Owner() common.Address { return e.owner }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, ModuleName)
}

func (e *Engine) requireOwner(caller common.Address) error {
	if caller != e.owner {
		return ErrNotOwner
	}
	return nil
}

func (e *Engine) begin() (*txn, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.pool == (common.Address{}) {
		return nil, errPoolNotSet
	}
	return &txn{journal: newJournal(e.state), defaults: e.defaults}, nil
}

// finish commits the transaction and releases its recorded events.
func (e *Engine) finish(tx *txn) error {
	if err := tx.commit(); err != nil {
		return fmt.Errorf("clearing: commit: %w", err)
	}
	for _, evt := range tx.pending {
		e.emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) handle(id common.Address) (Vault, error) {
	if v, ok := e.handles[id]; ok {
		return v, nil
	}
	if e.resolver == nil {
		return nil, errNilResolver
	}
	v, err := e.resolver.Vault(id)
	if err != nil {
		return nil, fmt.Errorf("clearing: resolve vault %s: %w", id.Hex(), err)
	}
	e.handles[id] = v
	return v, nil
}

func (e *Engine) token(asset common.Address) (Token, error) {
	if e.resolver == nil {
		return nil, errNilResolver
	}
	tok, err := e.resolver.Token(asset)
	if err != nil {
		return nil, fmt.Errorf("clearing: resolve token %s: %w", asset.Hex(), err)
	}
	return tok, nil
}

// stable returns the reference stable asset handle fixed at first
// registration.
func (e *Engine) stable(tx *txn) (Token, error) {
	meta, err := tx.meta()
	if err != nil {
		return nil, err
	}
	if !meta.Fixed {
		return nil, errReferenceNotSet
	}
	return e.token(meta.ReferenceAsset)
}
