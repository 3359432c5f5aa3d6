package cli

import (
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func addressArg(name, raw string) (string, error) {
	if !common.IsHexAddress(raw) {
		return "", fmt.Errorf("%s must be a hex address, got %q", name, raw)
	}
	return common.HexToAddress(raw).Hex(), nil
}

func amountArg(name, raw string) (string, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return "", fmt.Errorf("%s must be a non-negative base-10 integer, got %q", name, raw)
	}
	return v.String(), nil
}

func poolCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show pool parameters, treasury and supply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd.Context(), http.MethodGet, "/v1/pool", nil, nil)
		},
	}
}

func vaultsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vaults [vault]",
		Short: "List registered vaults or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return opts.call(cmd.Context(), http.MethodGet, "/v1/vaults", nil, nil)
			}
			id, err := addressArg("vault", args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodGet, "/v1/vaults/"+id, nil, nil)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "value <vault>",
		Short: "Show the locked value of a vault in reference units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := addressArg("vault", args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodGet, "/v1/vaults/"+id+"/value", nil, nil)
		},
	})
	return cmd
}

func liquidateCmd(opts *options) *cobra.Command {
	var hint uint64
	cmd := &cobra.Command{
		Use:   "liquidate <vault> <position>...",
		Short: "Liquidate a batch of positions with pool funds",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := addressArg("vault", args[0])
			if err != nil {
				return err
			}
			positions := make([]uint64, 0, len(args)-1)
			for _, raw := range args[1:] {
				pos, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					return fmt.Errorf("position %q: %w", raw, err)
				}
				positions = append(positions, pos)
			}
			body := map[string]any{"positions": positions, "hint": hint}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/vaults/"+id+"/liquidate", nil, body)
		},
	}
	cmd.Flags().Uint64Var(&hint, "hint", 0, "ordering hint passed through to the vault")
	return cmd
}

func vaultAction(use, short, suffix string, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <vault>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := addressArg("vault", args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/vaults/"+id+suffix, nil, nil)
		},
	}
}

func collectCmd(opts *options) *cobra.Command {
	return vaultAction("collect", "Pull collateral the vault owes the pool", "/collect", opts)
}

func routeCmd(opts *options) *cobra.Command {
	return vaultAction("route", "Offer the pool's collateral on the swap venue", "/route", opts)
}

func distressedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "distressed <vault> <position>",
		Short: "Buy a distressed position through the vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := addressArg("vault", args[0])
			if err != nil {
				return err
			}
			pos, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("position %q: %w", args[1], err)
			}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/vaults/"+id+"/distressed", nil, map[string]uint64{"position": pos})
		},
	}
}

func buyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "buy <vault> <stable-amount>",
		Short: "Buy pool collateral at the oracle price",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := addressArg("vault", args[0])
			if err != nil {
				return err
			}
			amount, err := amountArg("amount", args[1])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/vaults/"+id+"/buy", nil, map[string]string{"amount": amount})
		},
	}
}

func depositCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Deposit the reference asset for pool shares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := amountArg("amount", args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/deposits", nil, map[string]string{"amount": amount})
		},
	}
}

func withdrawCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Request or claim a share redemption",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "request <shares>",
		Short: "Start the withdrawal delay for shares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shares, err := amountArg("shares", args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/withdrawals", nil, map[string]string{"shares": shares})
		},
	}, &cobra.Command{
		Use:   "claim",
		Short: "Redeem a matured withdrawal request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd.Context(), http.MethodPost, "/v1/withdrawals/claim", nil, nil)
		},
	})
	return cmd
}

func accountCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "account <address>",
		Short: "Show an account's shares and withdrawal request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg("address", args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodGet, "/v1/accounts/"+addr, nil, nil)
		},
	}
}

func transferCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <to> <shares>",
		Short: "Transfer pool shares",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := addressArg("to", args[0])
			if err != nil {
				return err
			}
			shares, err := amountArg("shares", args[1])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/shares/transfer", nil, map[string]string{"to": to, "shares": shares})
		},
	}
}

func shareValueCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "share-value <shares>",
		Short: "Quote the reference value of shares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shares, err := amountArg("shares", args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodGet, "/v1/shares/value", url.Values{"shares": {shares}}, nil)
		},
	}
}
