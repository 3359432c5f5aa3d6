package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func eventsCmd(opts *options) *cobra.Command {
	var (
		eventType, vault, account string
		since, until              string
		after                     uint64
		limit                     int
	)
	query := func() url.Values {
		q := url.Values{}
		set := func(k, v string) {
			if v != "" {
				q.Set(k, v)
			}
		}
		set("type", eventType)
		set("vault", vault)
		set("account", account)
		set("since", since)
		set("until", until)
		if after > 0 {
			q.Set("after", strconv.FormatUint(after, 10))
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		return q
	}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd.Context(), http.MethodGet, "/v1/events", query(), nil)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&eventType, "type", "", "event type")
	flags.StringVar(&vault, "vault", "", "vault address")
	flags.StringVar(&account, "account", "", "account address")
	flags.StringVar(&since, "since", "", "RFC3339 lower bound")
	flags.StringVar(&until, "until", "", "RFC3339 upper bound")
	flags.Uint64Var(&after, "after", 0, "only entries after this sequence number")
	flags.IntVar(&limit, "limit", 0, "maximum entries")

	var format, outPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Download matching audit entries as CSV or parquet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format = strings.ToLower(format)
			if format != "csv" && format != "parquet" {
				return fmt.Errorf("format must be csv or parquet")
			}
			if format == "parquet" && outPath == "" {
				return fmt.Errorf("parquet export needs --out")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			q := query()
			q.Set("format", format)
			payload, err := c.Do(cmd.Context(), http.MethodGet, "/v1/events/export", q, nil)
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = opts.out.Write(payload)
				return err
			}
			if err := os.WriteFile(outPath, payload, 0o600); err != nil {
				return err
			}
			_, err = fmt.Fprintf(opts.out, "wrote %d bytes to %s\n", len(payload), outPath)
			return err
		},
	}
	export.Flags().StringVar(&format, "format", "csv", "csv or parquet")
	export.Flags().StringVarP(&outPath, "out", "o", "", "write to file instead of stdout")
	cmd.AddCommand(export)
	return cmd
}

func adminCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Owner operations (token needs the admin scope)",
	}

	register := &cobra.Command{
		Use:   "register <vault>...",
		Short: "Register vaults with the clearinghouse",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vaults := make([]string, 0, len(args))
			for _, raw := range args {
				id, err := addressArg("vault", raw)
				if err != nil {
					return err
				}
				vaults = append(vaults, id)
			}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/admin/vaults", nil, map[string][]string{"vaults": vaults})
		},
	}

	toggle := func(use, short string, disabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <vault>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := addressArg("vault", args[0])
				if err != nil {
					return err
				}
				return opts.call(cmd.Context(), http.MethodPut, "/v1/admin/vaults/"+id+"/disabled", nil, map[string]bool{"disabled": disabled})
			},
		}
	}

	var (
		feeSplit                           uint64
		minPurchase, minDeposit, rewardAmt string
	)
	params := &cobra.Command{
		Use:   "params",
		Short: "Update fee split, minimums or liquidation reward",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("fee-split-bps") {
				body["fee_split_bps"] = feeSplit
			}
			for flag, field := range map[string]struct {
				key string
				raw string
			}{
				"min-purchase":       {"min_purchase", minPurchase},
				"min-deposit":        {"min_deposit", minDeposit},
				"liquidation-reward": {"liquidation_reward", rewardAmt},
			} {
				if !cmd.Flags().Changed(flag) {
					continue
				}
				v, err := amountArg(flag, field.raw)
				if err != nil {
					return err
				}
				body[field.key] = v
			}
			if len(body) == 0 {
				return fmt.Errorf("no parameters given")
			}
			return opts.call(cmd.Context(), http.MethodPut, "/v1/admin/params", nil, body)
		},
	}
	params.Flags().Uint64Var(&feeSplit, "fee-split-bps", 0, "protocol share of liquidation gains in basis points")
	params.Flags().StringVar(&minPurchase, "min-purchase", "", "minimum direct sale size in reference units")
	params.Flags().StringVar(&minDeposit, "min-deposit", "", "minimum deposit in reference units")
	params.Flags().StringVar(&rewardAmt, "liquidation-reward", "", "shares minted per liquidated position")

	release := &cobra.Command{
		Use:   "release <amount>",
		Short: "Pay pending protocol earnings to the owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := amountArg("amount", args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/admin/treasury/release", nil, map[string]string{"amount": amount})
		},
	}

	pause := func(use string, paused bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: use + " every mutating clearing operation",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.call(cmd.Context(), http.MethodPut, "/v1/admin/pause", nil, map[string]bool{"paused": paused})
			},
		}
	}

	cmd.AddCommand(
		register,
		toggle("disable", "Disable a registered vault", true),
		toggle("enable", "Re-enable a disabled vault", false),
		params,
		release,
		pause("pause", true),
		pause("unpause", false),
	)
	return cmd
}

// tokenCmd mints a bearer token offline from the shared HMAC secret.
func tokenCmd(opts *options) *cobra.Command {
	var (
		secret, subject, issuer, audience string
		scopes                            []string
		ttl                               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for clearingd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(secret) < 32 {
				return fmt.Errorf("secret must be at least 32 bytes")
			}
			sub, err := addressArg("subject", subject)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return fmt.Errorf("ttl must be positive")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   sub,
				Issuer:    issuer,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			if audience != "" {
				claims.Audience = jwt.ClaimStrings{audience}
			}
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, scopedClaims{
				RegisteredClaims: claims,
				Scope:            strings.Join(scopes, " "),
			})
			signed, err := token.SignedString([]byte(secret))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(opts.out, signed)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("SPACECOMMAND_JWT_SECRET"), "HMAC secret (env SPACECOMMAND_JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "", "caller address")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim")
	cmd.Flags().StringVar(&audience, "audience", "", "aud claim")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

type scopedClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}
