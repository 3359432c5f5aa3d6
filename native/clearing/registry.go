package clearing

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RegisterVault authorizes a vault. The first registration fixes the pool's
// reference stable asset; later vaults must report the same one.
func (e *Engine) RegisterVault(ctx context.Context, caller, id common.Address) (*VaultRecord, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	rec, err := e.registerVault(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := e.finish(tx); err != nil {
		return nil, err
	}
	return rec, nil
}

// RegisterVaults registers each vault in order, stopping at the first
// failure. Vaults registered before the failure stay registered.
func (e *Engine) RegisterVaults(ctx context.Context, caller common.Address, ids []common.Address) ([]*VaultRecord, error) {
	out := make([]*VaultRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := e.RegisterVault(ctx, caller, id)
		if err != nil {
			return out, fmt.Errorf("register %s: %w", id.Hex(), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *Engine) registerVault(ctx context.Context, tx *txn, id common.Address) (*VaultRecord, error) {
	existing, err := tx.vault(id)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Added {
		return nil, ErrAlreadyRegistered
	}
	handle, err := e.handle(id)
	if err != nil {
		return nil, err
	}
	collateral, err := handle.CollateralAsset(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: collateral asset: %w", err)
	}
	reference, err := handle.ReferenceAsset(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: reference asset: %w", err)
	}
	norm, err := handle.DecimalNormalizationFactor(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing: normalization factor: %w", err)
	}
	if norm == nil || norm.Sign() <= 0 {
		return nil, ErrInvalidNormalization
	}

	meta, err := tx.meta()
	if err != nil {
		return nil, err
	}
	if meta.Fixed && meta.ReferenceAsset != reference {
		return nil, ErrReferenceAssetMismatch
	}
	if !meta.Fixed {
		meta = storedMeta{ReferenceAsset: reference, Fixed: true}
		if err := tx.putMeta(meta); err != nil {
			return nil, err
		}
	}

	rec := &VaultRecord{
		ID:            id,
		Collateral:    collateral,
		Normalization: cloneBigInt(norm),
		Added:         true,
		RegisteredAt:  e.now(),
	}
	if err := tx.putVault(rec); err != nil {
		return nil, err
	}
	if err := tx.appendVaultID(id); err != nil {
		return nil, err
	}

	stable, err := e.token(reference)
	if err != nil {
		return nil, err
	}
	if err := stable.Approve(ctx, id, MaxAllowance()); err != nil {
		return nil, fmt.Errorf("clearing: approve vault: %w", err)
	}
	tx.record(NewVaultRegisteredEvent(rec, reference))
	return rec, nil
}

// SetVaultDisabled toggles a registered vault's usability.
func (e *Engine) SetVaultDisabled(caller, id common.Address, disabled bool) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	tx, err := e.begin()
	if err != nil {
		return err
	}
	rec, err := tx.vault(id)
	if err != nil {
		return err
	}
	if rec == nil || !rec.Added {
		return ErrVaultNotAuthorized
	}
	rec.Disabled = disabled
	if err := tx.putVault(rec); err != nil {
		return err
	}
	tx.record(NewVaultStatusEvent(id, disabled))
	return e.finish(tx)
}

// RequireActive fails with ErrVaultNotAuthorized unless the vault is
// registered and enabled.
func (e *Engine) RequireActive(id common.Address) error {
	tx, err := e.begin()
	if err != nil {
		return err
	}
	_, err = e.requireActive(tx, id)
	return err
}

func (e *Engine) requireActive(tx *txn, id common.Address) (*VaultRecord, error) {
	rec, err := tx.vault(id)
	if err != nil {
		return nil, err
	}
	if !rec.Active() {
		return nil, ErrVaultNotAuthorized
	}
	return rec, nil
}

// Vault returns the registry entry for id.
func (e *Engine) Vault(id common.Address) (*VaultRecord, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	rec, err := tx.vault(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrVaultNotAuthorized
	}
	return rec, nil
}

// Vaults returns every registered vault in registration order.
func (e *Engine) Vaults() ([]*VaultRecord, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	ids, err := tx.vaultIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*VaultRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := tx.vault(id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("clearing: index lists unknown vault %s", id.Hex())
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReferenceAsset returns the pool's stable asset and whether it has been
// fixed yet.
func (e *Engine) ReferenceAsset() (common.Address, bool, error) {
	tx, err := e.begin()
	if err != nil {
		return common.Address{}, false, err
	}
	meta, err := tx.meta()
	if err != nil {
		return common.Address{}, false, err
	}
	return meta.ReferenceAsset, meta.Fixed, nil
}
