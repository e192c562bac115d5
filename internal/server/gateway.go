package server

import (
	"ILShield/internal/core"
	"ILShield/internal/ingestion"
	fpmath "ILShield/internal/math"
	"ILShield/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultPageSize = 50

type coverageLimitsRequest struct {
	Caller               common.Address `json:"caller"`
	Pool                 common.Hash    `json:"pool"`
	MaxPayoutPerPosition fpmath.Decimal `json:"max_payout_per_position"`
	MaxTotalCoverage     fpmath.Decimal `json:"max_total_coverage"`
}

type fundDepositRequest struct {
	Currency common.Address `json:"currency"`
	Amount   fpmath.Decimal `json:"amount"`
}

type walletFundingRequest struct {
	Owner     common.Address `json:"owner"`
	Currency  common.Address `json:"currency"`
	Amount    fpmath.Decimal `json:"amount"`
	Allowance fpmath.Decimal `json:"allowance"`
}

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type handlerFunc func(r *http.Request, params map[string]string) (interface{}, error)

func registerRoutes(mux *runtime.ServeMux, deps *ServerDeps) error {
	q := deps.Queries
	routes := []struct {
		method  string
		pattern string
		handle  handlerFunc
	}{
		// --- queries ---
		{"GET", "/v1/positions/{owner}/{pool}", func(r *http.Request, p map[string]string) (interface{}, error) {
			owner, err := parseAddress(p["owner"])
			if err != nil {
				return nil, err
			}
			pool, err := parsePool(p["pool"])
			if err != nil {
				return nil, err
			}
			return q.GetPosition(r.Context(), owner, pool)
		}},
		{"GET", "/v1/pools/{pool}", func(r *http.Request, p map[string]string) (interface{}, error) {
			pool, err := parsePool(p["pool"])
			if err != nil {
				return nil, err
			}
			return q.GetPool(r.Context(), pool)
		}},
		{"GET", "/v1/pools/{pool}/positions", func(r *http.Request, p map[string]string) (interface{}, error) {
			pool, err := parsePool(p["pool"])
			if err != nil {
				return nil, err
			}
			limit, _, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return q.ListOpenPositions(r.Context(), pool, limit)
		}},
		{"GET", "/v1/pools/{pool}/tick", func(r *http.Request, p map[string]string) (interface{}, error) {
			pool, err := parsePool(p["pool"])
			if err != nil {
				return nil, err
			}
			return q.GetTick(r.Context(), pool)
		}},
		{"GET", "/v1/pools/{pool}/quote", func(r *http.Request, p map[string]string) (interface{}, error) {
			pool, err := parsePool(p["pool"])
			if err != nil {
				return nil, err
			}
			liquidity, err := fpmath.ParseRaw(r.URL.Query().Get("liquidity"))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid liquidity: %v", err)
			}
			return q.QuotePremium(r.Context(), pool, liquidity)
		}},
		{"GET", "/v1/owners/{owner}/payouts", func(r *http.Request, p map[string]string) (interface{}, error) {
			owner, err := parseAddress(p["owner"])
			if err != nil {
				return nil, err
			}
			limit, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return q.GetPayoutHistory(r.Context(), owner, limit, before)
		}},
		{"GET", "/v1/owners/{owner}/journals", func(r *http.Request, p map[string]string) (interface{}, error) {
			owner, err := parseAddress(p["owner"])
			if err != nil {
				return nil, err
			}
			limit, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return q.GetJournalHistory(r.Context(), owner, limit, before)
		}},
		{"GET", "/v1/funds/{currency}", func(r *http.Request, p map[string]string) (interface{}, error) {
			currency, err := parseAddress(p["currency"])
			if err != nil {
				return nil, err
			}
			return q.GetFundBalance(r.Context(), currency)
		}},

		// --- admin ---
		{"POST", "/v1/admin/coverage-limits", func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req coverageLimitsRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			err := deps.Admin.SetCoverageLimits(r.Context(), req.Caller, req.Pool, req.MaxPayoutPerPosition, req.MaxTotalCoverage)
			return acceptedResponse{Accepted: err == nil}, err
		}},
		{"POST", "/v1/admin/fund-deposits", func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req fundDepositRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			err := deps.Admin.InjectFundDeposit(r.Context(), req.Currency, req.Amount)
			return acceptedResponse{Accepted: err == nil}, err
		}},
		{"POST", "/v1/admin/wallet-funding", func(r *http.Request, _ map[string]string) (interface{}, error) {
			var req walletFundingRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			err := deps.Admin.InjectWalletFunding(r.Context(), req.Owner, req.Currency, req.Amount, req.Allowance)
			return acceptedResponse{Accepted: err == nil}, err
		}},
		{"GET", "/v1/admin/integrity", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return q.VerifyIntegrity(r.Context())
		}},
		{"GET", "/v1/admin/event-log", func(r *http.Request, _ map[string]string) (interface{}, error) {
			if deps.LatestSequence == nil {
				return nil, status.Error(codes.Unimplemented, "event log info not configured")
			}
			seq, err := deps.LatestSequence(r.Context())
			return map[string]int64{"last_sequence": seq}, err
		}},
		{"POST", "/v1/admin/snapshots", func(r *http.Request, _ map[string]string) (interface{}, error) {
			if deps.TakeSnapshot == nil {
				return nil, status.Error(codes.Unimplemented, "snapshots not configured")
			}
			seq, err := deps.TakeSnapshot(r.Context())
			return map[string]int64{"sequence": seq}, err
		}},
		{"POST", "/v1/admin/projections/rebuild", func(r *http.Request, _ map[string]string) (interface{}, error) {
			if deps.RebuildProjections == nil {
				return nil, status.Error(codes.Unimplemented, "projection rebuild not configured")
			}
			err := deps.RebuildProjections(r.Context())
			return acceptedResponse{Accepted: err == nil}, err
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, wrap(rt.handle)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func wrap(h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := h(r, params)
		if err != nil {
			st := toStatus(err)
			writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorResponse{
				Code:    st.Code().String(),
				Message: st.Message(),
			})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// toStatus maps domain errors onto gRPC codes; the gateway turns those into HTTP statuses.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}

	code := codes.Internal
	switch {
	case errors.Is(err, query.ErrNotFound), errors.Is(err, core.ErrPositionNotFound):
		code = codes.NotFound
	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, ingestion.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidCoverageLimit),
		errors.Is(err, fpmath.ErrInvalidDecimal):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, core.ErrAlreadyOpen):
		code = codes.AlreadyExists
	case errors.Is(err, core.ErrCoverageLimitExceeded),
		errors.Is(err, core.ErrInsufficientFundsForPayout),
		errors.Is(err, core.ErrInsufficientAllowancePremium):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.New(code, err.Error())
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parsePool(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, status.Errorf(codes.InvalidArgument, "invalid pool id %q", s)
	}
	return common.BytesToHash(b), nil
}

func pageParams(r *http.Request) (int, *int64, error) {
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, nil, status.Errorf(codes.InvalidArgument, "invalid limit %q", v)
		}
		limit = n
	}

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, nil, status.Errorf(codes.InvalidArgument, "invalid cursor %q", v)
		}
		before = &n
	}
	return limit, before, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
