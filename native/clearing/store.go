package clearing

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/publu/spacecommand/core/events"
)

var (
	metaKey        = []byte("clearing/meta")
	paramsKey      = []byte("clearing/params")
	treasuryKey    = []byte("clearing/treasury")
	vaultIndexKey  = []byte("clearing/vaults")
	shareSupplyKey = []byte("clearing/shares/supply")
)

func vaultKey(id common.Address) []byte {
	return []byte(fmt.Sprintf("clearing/vault/%x", id.Bytes()))
}

func shareBalanceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("clearing/shares/balance/%x", addr.Bytes()))
}

func withdrawalKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("clearing/withdrawal/%x", addr.Bytes()))
}

type storedMeta struct {
	ReferenceAsset common.Address
	Fixed          bool
}

type storedVault struct {
	ID            common.Address
	Collateral    common.Address
	Normalization *big.Int
	Added         bool
	Disabled      bool
	RegisteredAt  uint64
}

type storedParams struct {
	FeeSplitBps       uint64
	MinPurchase       *big.Int
	MinDeposit        *big.Int
	LiquidationReward *big.Int
}

type storedTreasury struct {
	EarnedPending   *big.Int
	EarnedWithdrawn *big.Int
}

type storedWithdrawal struct {
	Shares  *big.Int
	ReadyAt uint64
}

func toUnix(v uint64) int64 { return int64(v) }

func fromUnix(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// journal buffers RLP encoded writes on top of a Storage so an operation can
// be discarded without touching the backing store.
type journal struct {
	base   Storage
	writes map[string][]byte
	order  []string
}

func newJournal(base Storage) *journal {
	return &journal{base: base, writes: make(map[string][]byte)}
}

func (j *journal) KVGet(key []byte, out interface{}) (bool, error) {
	if data, ok := j.writes[string(key)]; ok {
		if out == nil {
			return true, nil
		}
		if err := rlp.DecodeBytes(data, out); err != nil {
			return false, err
		}
		return true, nil
	}
	return j.base.KVGet(key, out)
}

func (j *journal) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	k := string(key)
	if _, seen := j.writes[k]; !seen {
		j.order = append(j.order, k)
	}
	j.writes[k] = encoded
	return nil
}

func (j *journal) KVAppend(key []byte, value []byte) error {
	var list [][]byte
	if err := j.KVGetList(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return j.KVPut(key, list)
}

func (j *journal) KVGetList(key []byte, out interface{}) error {
	if data, ok := j.writes[string(key)]; ok {
		return rlp.DecodeBytes(data, out)
	}
	return j.base.KVGetList(key, out)
}

func (j *journal) commit() error {
	if len(j.order) == 0 {
		return nil
	}
	if bw, ok := j.base.(batchWriter); ok {
		return bw.KVWriteBatch(j.writes)
	}
	for _, k := range j.order {
		if err := j.base.KVPut([]byte(k), rlp.RawValue(j.writes[k])); err != nil {
			return err
		}
	}
	return nil
}

// txn is the unit of work for a single engine operation. Events recorded on
// it are only released once the writes commit.
type txn struct {
	*journal
	defaults Params
	pending  []events.Event
}

func (t *txn) record(evt events.Event) { t.pending = append(t.pending, evt) }

func (t *txn) meta() (storedMeta, error) {
	var meta storedMeta
	if _, err := t.KVGet(metaKey, &meta); err != nil {
		return storedMeta{}, err
	}
	return meta, nil
}

func (t *txn) putMeta(meta storedMeta) error { return t.KVPut(metaKey, meta) }

func (t *txn) vault(id common.Address) (*VaultRecord, error) {
	var stored storedVault
	ok, err := t.KVGet(vaultKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &VaultRecord{
		ID:            stored.ID,
		Collateral:    stored.Collateral,
		Normalization: cloneBigInt(stored.Normalization),
		Added:         stored.Added,
		Disabled:      stored.Disabled,
		RegisteredAt:  toUnix(stored.RegisteredAt),
	}, nil
}

func (t *txn) putVault(rec *VaultRecord) error {
	return t.KVPut(vaultKey(rec.ID), storedVault{
		ID:            rec.ID,
		Collateral:    rec.Collateral,
		Normalization: cloneBigInt(rec.Normalization),
		Added:         rec.Added,
		Disabled:      rec.Disabled,
		RegisteredAt:  fromUnix(rec.RegisteredAt),
	})
}

func (t *txn) vaultIDs() ([]common.Address, error) {
	var raw [][]byte
	if err := t.KVGetList(vaultIndexKey, &raw); err != nil {
		return nil, err
	}
	ids := make([]common.Address, 0, len(raw))
	for _, b := range raw {
		ids = append(ids, common.BytesToAddress(b))
	}
	return ids, nil
}

func (t *txn) appendVaultID(id common.Address) error {
	return t.KVAppend(vaultIndexKey, id.Bytes())
}

func (t *txn) params() (Params, error) {
	var stored storedParams
	ok, err := t.KVGet(paramsKey, &stored)
	if err != nil {
		return Params{}, err
	}
	if !ok {
		return t.defaults.Clone(), nil
	}
	return Params{
		FeeSplitBps:       stored.FeeSplitBps,
		MinPurchase:       cloneBigInt(stored.MinPurchase),
		MinDeposit:        cloneBigInt(stored.MinDeposit),
		LiquidationReward: cloneBigInt(stored.LiquidationReward),
	}, nil
}

func (t *txn) putParams(p Params) error {
	return t.KVPut(paramsKey, storedParams{
		FeeSplitBps:       p.FeeSplitBps,
		MinPurchase:       cloneBigInt(p.MinPurchase),
		MinDeposit:        cloneBigInt(p.MinDeposit),
		LiquidationReward: cloneBigInt(p.LiquidationReward),
	})
}

func (t *txn) treasury() (Treasury, error) {
	var stored storedTreasury
	if _, err := t.KVGet(treasuryKey, &stored); err != nil {
		return Treasury{}, err
	}
	return Treasury{
		EarnedPending:   cloneBigInt(stored.EarnedPending),
		EarnedWithdrawn: cloneBigInt(stored.EarnedWithdrawn),
	}, nil
}

func (t *txn) putTreasury(tr Treasury) error {
	return t.KVPut(treasuryKey, storedTreasury{
		EarnedPending:   cloneBigInt(tr.EarnedPending),
		EarnedWithdrawn: cloneBigInt(tr.EarnedWithdrawn),
	})
}

func (t *txn) bigValue(key []byte) (*big.Int, error) {
	value := new(big.Int)
	if _, err := t.KVGet(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (t *txn) totalShares() (*big.Int, error) { return t.bigValue(shareSupplyKey) }

func (t *txn) shareBalance(addr common.Address) (*big.Int, error) {
	return t.bigValue(shareBalanceKey(addr))
}

func (t *txn) setShares(addr common.Address, balance, supply *big.Int) error {
	if err := t.KVPut(shareBalanceKey(addr), cloneBigInt(balance)); err != nil {
		return err
	}
	return t.KVPut(shareSupplyKey, cloneBigInt(supply))
}

func (t *txn) mintShares(to common.Address, amount *big.Int) error {
	balance, err := t.shareBalance(to)
	if err != nil {
		return err
	}
	supply, err := t.totalShares()
	if err != nil {
		return err
	}
	if balance, err = add(balance, amount); err != nil {
		return err
	}
	if supply, err = add(supply, amount); err != nil {
		return err
	}
	return t.setShares(to, balance, supply)
}

func (t *txn) burnShares(from common.Address, amount *big.Int) error {
	balance, err := t.shareBalance(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientShares
	}
	supply, err := t.totalShares()
	if err != nil {
		return err
	}
	return t.setShares(from, new(big.Int).Sub(balance, amount), subFloor(supply, amount))
}

func (t *txn) withdrawal(addr common.Address) (*WithdrawalRequest, error) {
	var stored storedWithdrawal
	ok, err := t.KVGet(withdrawalKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &WithdrawalRequest{Shares: big.NewInt(0)}, nil
	}
	return &WithdrawalRequest{Shares: cloneBigInt(stored.Shares), ReadyAt: toUnix(stored.ReadyAt)}, nil
}

func (t *txn) putWithdrawal(addr common.Address, req *WithdrawalRequest) error {
	return t.KVPut(withdrawalKey(addr), storedWithdrawal{
		Shares:  cloneBigInt(req.Shares),
		ReadyAt: fromUnix(req.ReadyAt),
	})
}
