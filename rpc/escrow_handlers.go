package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

type createParams struct {
	Depositor   string `json:"depositor"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
}

type settleParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type batchParams struct {
	IDs    []uint64 `json:"ids"`
	Caller string   `json:"caller"`
}

type updateBaseFeeParams struct {
	Caller     string `json:"caller"`
	BaseFeeBps uint32 `json:"baseFeeBps"`
}

type withdrawFeesParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
}

type agentParams struct {
	Agent string `json:"agent"`
}

type quoteParams struct {
	Agent  string `json:"agent"`
	Amount string `json:"amount"`
}

type eventsParams struct {
	Limit int `json:"limit,omitempty"`
}

// EscrowResult is the RPC representation of an escrow record.
type EscrowResult struct {
	ID          uint64 `json:"id"`
	Depositor   string `json:"depositor"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
	CreatedAt   int64  `json:"createdAt"`
	Status      string `json:"status"`
}

// CreateResult reports the identifier assigned to a new escrow.
type CreateResult struct {
	ID uint64 `json:"id"`
}

// BatchReleaseResult summarises a batch settlement.
type BatchReleaseResult struct {
	Released               []uint64 `json:"released"`
	Skipped                []uint64 `json:"skipped,omitempty"`
	TotalAmount            string   `json:"totalAmount"`
	EstimatedOverheadSaved uint64   `json:"estimatedOverheadSaved"`
}

// AgentStatsResult reports reputation counters and the advisory fee rate.
type AgentStatsResult struct {
	Agent            string `json:"agent"`
	Reputation       uint64 `json:"reputation"`
	TotalCoordinated string `json:"totalCoordinated"`
	CurrentFeeBps    uint32 `json:"currentFeeBps"`
}

// QuoteFeeResult previews the fee charged for a prospective escrow.
type QuoteFeeResult struct {
	Fee          string `json:"fee"`
	Net          string `json:"net"`
	EffectiveBps uint32 `json:"effectiveBps"`
}

// WithdrawFeesResult reports the residue transferred to the treasury.
type WithdrawFeesResult struct {
	Amount string `json:"amount"`
}

func escrowStatus(esc *escrow.Escrow) string {
	switch {
	case esc.Released:
		return "released"
	case esc.Refunded:
		return "refunded"
	default:
		return "open"
	}
}

func escrowResult(esc *escrow.Escrow) EscrowResult {
	return EscrowResult{
		ID:          esc.ID,
		Depositor:   esc.Depositor.String(),
		Beneficiary: esc.Beneficiary.String(),
		Amount:      esc.Amount.String(),
		Deadline:    esc.Deadline,
		CreatedAt:   esc.CreatedAt,
		Status:      escrowStatus(esc),
	}
}

func decodeParams(req *rpcRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s address: %w", field, err)
	}
	return addr, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, req *rpcRequest) {
	var params createParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	depositor, err := parseAddress("depositor", params.Depositor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	beneficiary, err := parseAddress("beneficiary", params.Beneficiary)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := s.engine.Create(depositor, beneficiary, amount, params.Deadline)
	if err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, CreateResult{ID: id})
}

func (s *Server) handleRelease(w http.ResponseWriter, req *rpcRequest) {
	var params settleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.Release(params.ID, caller); err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	esc, err := s.engine.GetEscrow(params.ID)
	if err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, escrowResult(esc))
}

func (s *Server) handleRefund(w http.ResponseWriter, req *rpcRequest) {
	var params settleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.Refund(params.ID, caller); err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	esc, err := s.engine.GetEscrow(params.ID)
	if err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, escrowResult(esc))
}

func (s *Server) handleBatchRelease(w http.ResponseWriter, req *rpcRequest) {
	var params batchParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	result, err := s.engine.BatchRelease(params.IDs, caller)
	if err != nil {
		status, code := errStatus(err)
		data := interface{}(nil)
		if result != nil {
			data = BatchReleaseResult{
				Released:               result.Released,
				Skipped:                result.Skipped,
				TotalAmount:            result.TotalAmount.String(),
				EstimatedOverheadSaved: result.EstimatedOverheadSaved,
			}
		}
		writeError(w, status, req.ID, code, err.Error(), data)
		return
	}
	writeResult(w, req.ID, BatchReleaseResult{
		Released:               result.Released,
		Skipped:                result.Skipped,
		TotalAmount:            result.TotalAmount.String(),
		EstimatedOverheadSaved: result.EstimatedOverheadSaved,
	})
}

func (s *Server) handleUpdateBaseFee(w http.ResponseWriter, req *rpcRequest) {
	var params updateBaseFeeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.UpdateBaseFee(caller, params.BaseFeeBps); err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]uint32{"baseFeeBps": params.BaseFeeBps})
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, req *rpcRequest) {
	var params withdrawFeesParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	to, err := parseAddress("to", params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := s.engine.WithdrawFees(caller, to)
	if err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, WithdrawFeesResult{Amount: amount.String()})
}

func (s *Server) handleGet(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		ID uint64 `json:"id"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	esc, err := s.engine.GetEscrow(params.ID)
	if err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, escrowResult(esc))
}

func (s *Server) handleGetAgentStats(w http.ResponseWriter, req *rpcRequest) {
	var params agentParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	agent, err := parseAddress("agent", params.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	stats, err := s.engine.GetAgentStats(agent)
	if err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, AgentStatsResult{
		Agent:            agent.String(),
		Reputation:       stats.Reputation,
		TotalCoordinated: stats.TotalCoordinated.String(),
		CurrentFeeBps:    stats.CurrentFeeBps,
	})
}

func (s *Server) handleQuoteFee(w http.ResponseWriter, req *rpcRequest) {
	var params quoteParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	agent, err := parseAddress("agent", params.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	quote, err := s.engine.QuoteFee(agent, amount)
	if err != nil {
		status, code := errStatus(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, QuoteFeeResult{
		Fee:          quote.Fee.String(),
		Net:          quote.Net.String(),
		EffectiveBps: quote.Bps,
	})
}

const defaultEventLimit = 50

func (s *Server) handleEvents(w http.ResponseWriter, req *rpcRequest) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, req.ID, codeServerError, "event journal not configured", nil)
		return
	}
	limit := defaultEventLimit
	if len(req.Params) == 1 {
		var params eventsParams
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
			return
		}
		if params.Limit > 0 {
			limit = params.Limit
		}
	}
	entries, err := s.journal.Tail(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "reading event journal failed", err.Error())
		return
	}
	writeResult(w, req.ID, entries)
}
