package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/publu/spacecommand/native/clearing"
	"github.com/publu/spacecommand/services/clearingd/keeper"
)

// registerConfiguredVaults registers every configured vault the engine does
// not know yet. Already registered vaults are left alone, including disabled
// ones.
func registerConfiguredVaults(ctx context.Context, exec keeper.Executor, owner common.Address, ids []common.Address) ([]common.Address, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var added []common.Address
	err := exec.Exec(func(e *clearing.Engine) error {
		known, err := e.Vaults()
		if err != nil {
			return err
		}
		seen := make(map[common.Address]struct{}, len(known)+len(ids))
		for _, rec := range known {
			seen[rec.ID] = struct{}{}
		}
		var pending []common.Address
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			pending = append(pending, id)
		}
		if len(pending) == 0 {
			return nil
		}
		if _, err := e.RegisterVaults(ctx, owner, pending); err != nil {
			return err
		}
		added = pending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register configured vaults: %w", err)
	}
	return added, nil
}
