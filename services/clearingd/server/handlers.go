package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/publu/spacecommand/native/clearing"
	"github.com/publu/spacecommand/services/clearingd/audit"
)

const maxBodyBytes = 1 << 20

type paramsView struct {
	FeeSplitBps       uint64 `json:"fee_split_bps"`
	MinPurchase       string `json:"min_purchase"`
	MinDeposit        string `json:"min_deposit"`
	LiquidationReward string `json:"liquidation_reward"`
}

type treasuryView struct {
	EarnedPending   string `json:"earned_pending"`
	EarnedWithdrawn string `json:"earned_withdrawn"`
}

type poolView struct {
	Pool           string       `json:"pool"`
	Owner          string       `json:"owner"`
	ReferenceAsset string       `json:"reference_asset,omitempty"`
	Params         paramsView   `json:"params"`
	Treasury       treasuryView `json:"treasury"`
	TotalShares    string       `json:"total_shares"`
	LockedValue    string       `json:"locked_value"`
	StableBalance  string       `json:"stable_balance"`
	VaultCount     int          `json:"vault_count"`
	Paused         bool         `json:"paused"`
}

type vaultView struct {
	ID            string `json:"id"`
	Collateral    string `json:"collateral"`
	Normalization string `json:"normalization"`
	Active        bool   `json:"active"`
	Disabled      bool   `json:"disabled"`
	RegisteredAt  int64  `json:"registered_at"`
}

type withdrawalView struct {
	Shares  string `json:"shares"`
	ReadyAt int64  `json:"ready_at"`
	Status  string `json:"status"`
}

type accountView struct {
	Address    string          `json:"address"`
	Shares     string          `json:"shares"`
	Withdrawal *withdrawalView `json:"withdrawal,omitempty"`
}

type liquidationView struct {
	Vault      string   `json:"vault"`
	Attempted  []uint64 `json:"attempted"`
	Liquidated []uint64 `json:"liquidated"`
	Proceeds   string   `json:"proceeds"`
	Fee        string   `json:"fee"`
	Reward     string   `json:"reward"`
}

type saleView struct {
	Vault         string `json:"vault"`
	StableCharged string `json:"stable_charged"`
	CollateralOut string `json:"collateral_out"`
	Price         string `json:"price"`
	Shrunk        bool   `json:"shrunk"`
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func viewParams(p clearing.Params) paramsView {
	return paramsView{
		FeeSplitBps:       p.FeeSplitBps,
		MinPurchase:       amount(p.MinPurchase),
		MinDeposit:        amount(p.MinDeposit),
		LiquidationReward: amount(p.LiquidationReward),
	}
}

func viewTreasury(t clearing.Treasury) treasuryView {
	return treasuryView{EarnedPending: amount(t.EarnedPending), EarnedWithdrawn: amount(t.EarnedWithdrawn)}
}

func viewVault(rec *clearing.VaultRecord) vaultView {
	return vaultView{
		ID:            rec.ID.Hex(),
		Collateral:    rec.Collateral.Hex(),
		Normalization: amount(rec.Normalization),
		Active:        rec.Active(),
		Disabled:      rec.Disabled,
		RegisteredAt:  rec.RegisteredAt,
	}
}

func viewWithdrawal(req *clearing.WithdrawalRequest, status clearing.WithdrawalStatus) *withdrawalView {
	if req == nil || status == clearing.WithdrawalNone {
		return nil
	}
	return &withdrawalView{Shares: amount(req.Shares), ReadyAt: req.ReadyAt, Status: string(status)}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return badRequest("invalid payload: %v", err)
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, badRequest("%s is required", field)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, badRequest("%s must be a base-10 integer", field)
	}
	return v, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("%s must be a hex address", field)
	}
	return common.HexToAddress(raw), nil
}

func vaultParam(r *http.Request) (common.Address, error) {
	return parseAddress("vault id", chi.URLParam(r, "id"))
}

func caller(r *http.Request) common.Address {
	principal, _ := PrincipalFromContext(r.Context())
	return principal.Address
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	var snap *clearing.PoolSnapshot
	err := s.Exec(func(e *clearing.Engine) (err error) {
		snap, err = e.Snapshot(r.Context())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.ObserveSnapshot(snap)
	view := poolView{
		Pool:          s.engine.Pool().Hex(),
		Owner:         s.engine.Owner().Hex(),
		Params:        viewParams(snap.Params),
		Treasury:      viewTreasury(snap.Treasury),
		TotalShares:   amount(snap.TotalShares),
		LockedValue:   amount(snap.LockedValue),
		StableBalance: amount(snap.StableBalance),
		VaultCount:    snap.VaultCount,
		Paused:        s.pauses.IsPaused(clearing.ModuleName),
	}
	if snap.ReferenceAsset != (common.Address{}) {
		view.ReferenceAsset = snap.ReferenceAsset.Hex()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleVaults(w http.ResponseWriter, r *http.Request) {
	var recs []*clearing.VaultRecord
	err := s.Exec(func(e *clearing.Engine) (err error) {
		recs, err = e.Vaults()
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]vaultView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewVault(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": out})
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	id, err := vaultParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var rec *clearing.VaultRecord
	err = s.Exec(func(e *clearing.Engine) (err error) {
		rec, err = e.Vault(id)
		return err
	})
	if errors.Is(err, clearing.ErrVaultNotAuthorized) {
		writeJSONError(w, http.StatusNotFound, "vault not registered")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewVault(rec))
}

func (s *Server) handleVaultValue(w http.ResponseWriter, r *http.Request) {
	id, err := vaultParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var value *big.Int
	err = s.Exec(func(e *clearing.Engine) (err error) {
		value, err = e.LockedValue(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vault": id.Hex(), "value": amount(value)})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	id, err := vaultParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Positions []uint64 `json:"positions"`
		Hint      uint64   `json:"hint"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var res *clearing.LiquidationResult
	err = s.Exec(func(e *clearing.Engine) (err error) {
		res, err = e.Liquidate(r.Context(), caller(r), id, req.Positions, req.Hint)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	liquidated := res.Liquidated
	if liquidated == nil {
		liquidated = []uint64{}
	}
	writeJSON(w, http.StatusOK, liquidationView{
		Vault:      res.Vault.Hex(),
		Attempted:  res.Attempted,
		Liquidated: liquidated,
		Proceeds:   amount(res.Proceeds),
		Fee:        amount(res.Fee),
		Reward:     amount(res.Reward),
	})
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	id, err := vaultParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var collected *big.Int
	err = s.Exec(func(e *clearing.Engine) (err error) {
		collected, err = e.CollectCollateral(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vault": id.Hex(), "collected": amount(collected)})
}

func (s *Server) handleDistressed(w http.ResponseWriter, r *http.Request) {
	id, err := vaultParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Position uint64 `json:"position"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.Exec(func(e *clearing.Engine) error {
		return e.BuyDistressedPosition(r.Context(), caller(r), id, req.Position)
	})
	if errors.Is(err, clearing.ErrInsufficientBalance) {
		s.logger.Error("distressed purchase left pending fees uncovered",
			"vault", id.Hex(),
			"position", req.Position,
			"error", err)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	id, err := vaultParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	offered, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var res *clearing.SaleResult
	err = s.Exec(func(e *clearing.Engine) (err error) {
		res, err = e.BuyCollateral(r.Context(), caller(r), id, offered)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saleView{
		Vault:         res.Vault.Hex(),
		StableCharged: amount(res.StableCharged),
		CollateralOut: amount(res.CollateralOut),
		Price:         amount(res.Price),
		Shrunk:        res.Shrunk,
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	id, err := vaultParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var routed *big.Int
	err = s.Exec(func(e *clearing.Engine) (err error) {
		routed, err = e.RouteToSwapVenue(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vault": id.Hex(), "routed": amount(routed)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var shares *big.Int
	err = s.Exec(func(e *clearing.Engine) (err error) {
		shares, err = e.Deposit(r.Context(), caller(r), value)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": amount(shares)})
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shares string `json:"shares"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var out *clearing.WithdrawalRequest
	err = s.Exec(func(e *clearing.Engine) (err error) {
		out, err = e.RequestWithdrawal(caller(r), shares)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWithdrawal(out, clearing.WithdrawalPending))
}

func (s *Server) handleClaimWithdrawal(w http.ResponseWriter, r *http.Request) {
	var paid *big.Int
	err := s.Exec(func(e *clearing.Engine) (err error) {
		paid, err = e.ClaimWithdrawal(r.Context(), caller(r))
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount(paid)})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := accountView{Address: addr.Hex()}
	err = s.Exec(func(e *clearing.Engine) error {
		shares, err := e.SharesOf(addr)
		if err != nil {
			return err
		}
		view.Shares = amount(shares)
		req, status, err := e.WithdrawalRequestOf(addr)
		if err != nil {
			return err
		}
		view.Withdrawal = viewWithdrawal(req, status)
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTransferShares(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To     string `json:"to"`
		Shares string `json:"shares"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.Exec(func(e *clearing.Engine) error {
		return e.TransferShares(caller(r), to, shares)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShareValue(w http.ResponseWriter, r *http.Request) {
	shares, err := parseAmount("shares", r.URL.Query().Get("shares"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var value *big.Int
	err = s.Exec(func(e *clearing.Engine) (err error) {
		value, err = e.ValueOfShares(r.Context(), shares)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": amount(shares), "value": amount(value)})
}

func (s *Server) handleRegisterVaults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vaults []string `json:"vaults"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := make([]common.Address, 0, len(req.Vaults))
	for _, raw := range req.Vaults {
		id, err := parseAddress("vault", raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ids = append(ids, id)
	}
	var recs []*clearing.VaultRecord
	err := s.Exec(func(e *clearing.Engine) (err error) {
		recs, err = e.RegisterVaults(r.Context(), s.cfg.Owner, ids)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]vaultView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewVault(rec))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"vaults": out})
}

func (s *Server) handleSetDisabled(w http.ResponseWriter, r *http.Request) {
	id, err := vaultParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Disabled *bool `json:"disabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Disabled == nil {
		s.writeError(w, r, badRequest("disabled is required"))
		return
	}
	err = s.Exec(func(e *clearing.Engine) error {
		return e.SetVaultDisabled(s.cfg.Owner, id, *req.Disabled)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeeSplitBps       *uint64 `json:"fee_split_bps"`
		MinPurchase       *string `json:"min_purchase"`
		MinDeposit        *string `json:"min_deposit"`
		LiquidationReward *string `json:"liquidation_reward"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	update := clearing.ParamsUpdate{FeeSplitBps: req.FeeSplitBps}
	amounts := []struct {
		field string
		raw   *string
		dst   **big.Int
	}{
		{"min_purchase", req.MinPurchase, &update.MinPurchase},
		{"min_deposit", req.MinDeposit, &update.MinDeposit},
		{"liquidation_reward", req.LiquidationReward, &update.LiquidationReward},
	}
	for _, a := range amounts {
		if a.raw == nil {
			continue
		}
		v, err := parseAmount(a.field, *a.raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		*a.dst = v
	}
	if update == (clearing.ParamsUpdate{}) {
		s.writeError(w, r, badRequest("no parameters supplied"))
		return
	}
	var params clearing.Params
	err := s.Exec(func(e *clearing.Engine) (err error) {
		params, err = e.UpdateParams(s.cfg.Owner, update)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewParams(params))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var tr clearing.Treasury
	err = s.Exec(func(e *clearing.Engine) (err error) {
		tr, err = e.Release(r.Context(), s.cfg.Owner, value)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTreasury(tr))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused *bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Paused == nil {
		s.writeError(w, r, badRequest("paused is required"))
		return
	}
	s.pauses.Set(clearing.ModuleName, *req.Paused)
	s.logger.Warn("clearing pause switched", "paused", *req.Paused, "caller", caller(r).Hex())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": *req.Paused})
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Type:    strings.TrimSpace(q.Get("type")),
		Vault:   strings.TrimSpace(q.Get("vault")),
		Account: strings.TrimSpace(q.Get("account")),
	}
	if raw := q.Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, badRequest("after must be an unsigned integer")
		}
		f.AfterSeq = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return f, badRequest("limit must be a non-negative integer")
		}
		f.Limit = v
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, badRequest("%s must be RFC3339", key)
		}
		*dst = ts
	}
	return f, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotImplemented, "audit log disabled")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func (s *Server) handleEventExport(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotImplemented, "audit log disabled")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	switch format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="clearing-events.csv"`)
		_, err = s.audit.ExportCSV(r.Context(), w, filter)
	case "parquet":
		w.Header().Set("Content-Type", "application/vnd.apache.parquet")
		w.Header().Set("Content-Disposition", `attachment; filename="clearing-events.parquet"`)
		_, err = s.audit.ExportParquet(r.Context(), w, filter)
	default:
		s.writeError(w, r, badRequest("format must be csv or parquet"))
		return
	}
	if err != nil && !errors.Is(err, r.Context().Err()) {
		s.logger.Error("event export failed", "error", err)
	}
}
