// Package rpc exposes the protocol actions and views over HTTP.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jup-ag/clone-protocol/core"
	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/health"
	"github.com/jup-ag/clone-protocol/ledger"
	"github.com/jup-ag/clone-protocol/liquidation"
	"github.com/jup-ag/clone-protocol/oracle"
	"github.com/jup-ag/clone-protocol/positions"
	"github.com/jup-ag/clone-protocol/registry"
	"github.com/jup-ag/clone-protocol/swap"
)

const requestLimit = 1 << 20 // 1 MiB

// Server serves the protocol API.
type Server struct {
	protocol *core.Protocol
	log      *slog.Logger
}

// NewServer wires the protocol behind the HTTP surface.
func NewServer(p *core.Protocol, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{protocol: p, log: log}
}

// Router builds the route table. Mutating actions are POSTs with JSON
// bodies; views are GETs.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/slot", s.slot)
		r.Post("/slot", s.advanceSlot)
		r.Post("/oracle/update", s.updatePrice)
		r.Get("/oracle/{index}", s.reading)

		r.Post("/swap", s.swap)
		r.Post("/stable/mint", s.mintStable)
		r.Post("/stable/burn", s.burnStable)

		r.Route("/borrow", func(r chi.Router) {
			r.Post("/open", s.openBorrow)
			r.Post("/collateral/add", s.addBorrowCollateral)
			r.Post("/collateral/withdraw", s.withdrawBorrowCollateral)
			r.Post("/more", s.borrowMore)
			r.Post("/pay", s.payDown)
			r.Post("/close", s.closeBorrow)
			r.Post("/liquidate", s.liquidateBorrow)
		})

		r.Route("/comet", func(r chi.Router) {
			r.Post("/collateral/add", s.addCometCollateral)
			r.Post("/collateral/withdraw", s.withdrawCometCollateral)
			r.Post("/liquidity/add", s.addLiquidity)
			r.Post("/liquidity/withdraw", s.withdrawLiquidity)
			r.Post("/il/pay", s.payILDebt)
			r.Post("/recenter", s.recenter)
			r.Post("/close", s.closeComet)
			r.Post("/liquidate", s.liquidateComet)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/pool-status", s.setPoolStatus)
			r.Post("/pool-params", s.updatePoolParams)
			r.Post("/collateral-ratio", s.updateCollateralRatio)
		})

		r.Get("/pools/{index}", s.pool)
		r.Get("/collaterals/{index}", s.collateral)
		r.Get("/accounts/{owner}", s.account)
		r.Get("/accounts/{owner}/health", s.accountHealth)
		r.Get("/events", s.events)
	})

	return r
}

type slotRequest struct {
	Slot uint64 `json:"slot"`
}

type priceRequest struct {
	FeedIndex int             `json:"feedIndex"`
	Address   string          `json:"address"`
	Payload   json.RawMessage `json:"payload"`
}

type swapRequest struct {
	Actor                string `json:"actor"`
	PoolIndex            int    `json:"poolIndex"`
	Quantity             string `json:"quantity"`
	QuantityIsInput      bool   `json:"quantityIsInput"`
	QuantityIsCollateral bool   `json:"quantityIsCollateral"`
}

type openBorrowRequest struct {
	Actor            string `json:"actor"`
	PoolIndex        int    `json:"poolIndex"`
	CollateralIndex  int    `json:"collateralIndex"`
	CollateralAmount string `json:"collateralAmount"`
	BorrowAmount     string `json:"borrowAmount"`
}

type positionAmountRequest struct {
	Actor         string `json:"actor"`
	PositionIndex int    `json:"positionIndex"`
	Amount        string `json:"amount"`
}

type collateralAmountRequest struct {
	Actor           string `json:"actor"`
	CollateralIndex int    `json:"collateralIndex"`
	Amount          string `json:"amount"`
}

type liquidityRequest struct {
	Actor     string `json:"actor"`
	PoolIndex int    `json:"poolIndex"`
	Amount    string `json:"amount"`
}

type closeRequest struct {
	Actor         string `json:"actor"`
	PositionIndex int    `json:"positionIndex"`
}

type ilPaymentRequest struct {
	Actor         string `json:"actor"`
	PositionIndex int    `json:"positionIndex"`
	Amount        string `json:"amount"`
	PayOnAsset    bool   `json:"payOnAsset"`
}

type liquidateRequest struct {
	Liquidator    string `json:"liquidator"`
	Owner         string `json:"owner"`
	PositionIndex int    `json:"positionIndex"`
	Amount        string `json:"amount"`
	PayOnAsset    bool   `json:"payOnAsset"`
}

type stableRequest struct {
	Actor  string `json:"actor"`
	Amount string `json:"amount"`
}

type poolStatusRequest struct {
	Caller    string `json:"caller"`
	PoolIndex int    `json:"poolIndex"`
	Status    string `json:"status"`
}

type poolParamsRequest struct {
	Caller    string              `json:"caller"`
	PoolIndex int                 `json:"poolIndex"`
	Params    registry.PoolParams `json:"params"`
}

type collateralRatioRequest struct {
	Caller          string `json:"caller"`
	CollateralIndex int    `json:"collateralIndex"`
	Ratio           string `json:"ratio"`
}

type indexResponse struct {
	Index int `json:"index"`
}

type paidResponse struct {
	Paid decimal.Decimal `json:"paid"`
}

type healthResponse struct {
	Score   decimal.Decimal `json:"score"`
	Healthy bool            `json:"healthy"`
}

func (s *Server) slot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, slotRequest{Slot: s.protocol.Slot()})
}

func (s *Server) advanceSlot(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.protocol.AdvanceSlot(req.Slot)
	writeJSON(w, slotRequest{Slot: s.protocol.Slot()})
}

func (s *Server) updatePrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reading, err := s.protocol.UpdatePrice(req.FeedIndex, oracle.RawFeed{
		Address: req.Address,
		Payload: req.Payload,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, reading)
}

func (s *Server) reading(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r, "index")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reading, err := s.protocol.ReadingView(index)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, reading)
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	quantity, err := parseAmount(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	quote, err := s.protocol.Swap(req.Actor, req.PoolIndex, quantity,
		req.QuantityIsInput, req.QuantityIsCollateral)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, quote)
}

func (s *Server) mintStable(w http.ResponseWriter, r *http.Request) {
	s.stableAction(w, r, s.protocol.MintStable)
}

func (s *Server) burnStable(w http.ResponseWriter, r *http.Request) {
	s.stableAction(w, r, s.protocol.BurnStable)
}

func (s *Server) stableAction(w http.ResponseWriter, r *http.Request,
	action func(string, decimal.Decimal) error) {
	var req stableRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := action(req.Actor, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) openBorrow(w http.ResponseWriter, r *http.Request) {
	var req openBorrowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	collateral, err := parseAmount(req.CollateralAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrow, err := parseAmount(req.BorrowAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	index, err := s.protocol.OpenBorrowPosition(req.Actor, req.PoolIndex, req.CollateralIndex, collateral, borrow)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, indexResponse{Index: index})
}

func (s *Server) addBorrowCollateral(w http.ResponseWriter, r *http.Request) {
	s.positionAmountAction(w, r, s.protocol.AddCollateral)
}

func (s *Server) withdrawBorrowCollateral(w http.ResponseWriter, r *http.Request) {
	s.positionAmountAction(w, r, s.protocol.WithdrawCollateral)
}

func (s *Server) borrowMore(w http.ResponseWriter, r *http.Request) {
	s.positionAmountAction(w, r, s.protocol.BorrowMore)
}

func (s *Server) positionAmountAction(w http.ResponseWriter, r *http.Request,
	action func(string, int, decimal.Decimal) error) {
	var req positionAmountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := action(req.Actor, req.PositionIndex, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) payDown(w http.ResponseWriter, r *http.Request) {
	var req positionAmountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	paid, err := s.protocol.PayDown(req.Actor, req.PositionIndex, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, paidResponse{Paid: paid})
}

func (s *Server) closeBorrow(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.protocol.CloseBorrowPosition(req.Actor, req.PositionIndex); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) liquidateBorrow(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.protocol.LiquidateBorrowPosition(req.Liquidator, req.Owner, req.PositionIndex, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) addCometCollateral(w http.ResponseWriter, r *http.Request) {
	s.cometCollateralAction(w, r, s.protocol.AddCometCollateral)
}

func (s *Server) withdrawCometCollateral(w http.ResponseWriter, r *http.Request) {
	s.cometCollateralAction(w, r, s.protocol.WithdrawCometCollateral)
}

func (s *Server) cometCollateralAction(w http.ResponseWriter, r *http.Request,
	action func(string, int, decimal.Decimal) error) {
	var req collateralAmountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := action(req.Actor, req.CollateralIndex, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) addLiquidity(w http.ResponseWriter, r *http.Request) {
	var req liquidityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	index, err := s.protocol.AddLiquidity(req.Actor, req.PoolIndex, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, indexResponse{Index: index})
}

func (s *Server) withdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req positionAmountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.protocol.WithdrawLiquidity(req.Actor, req.PositionIndex, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) payILDebt(w http.ResponseWriter, r *http.Request) {
	var req ilPaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	paid, err := s.protocol.PayILDebt(req.Actor, req.PositionIndex, amount, req.PayOnAsset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, paidResponse{Paid: paid})
}

func (s *Server) recenter(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.protocol.Recenter(req.Actor, req.PositionIndex); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) closeComet(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.protocol.CloseCometPosition(req.Actor, req.PositionIndex); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) liquidateComet(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.protocol.LiquidateCometPosition(req.Liquidator, req.Owner, req.PositionIndex, amount, req.PayOnAsset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) setPoolStatus(w http.ResponseWriter, r *http.Request) {
	var req poolStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status, err := parseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.protocol.SetPoolStatus(req.Caller, req.PoolIndex, status); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) updatePoolParams(w http.ResponseWriter, r *http.Request) {
	var req poolParamsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.protocol.UpdatePoolParams(req.Caller, req.PoolIndex, req.Params); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) updateCollateralRatio(w http.ResponseWriter, r *http.Request) {
	var req collateralRatioRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ratio, err := parseAmount(req.Ratio)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.protocol.UpdateCollateralRatio(req.Caller, req.CollateralIndex, ratio); err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) pool(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r, "index")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pool, err := s.protocol.PoolView(index)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, pool)
}

func (s *Server) collateral(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r, "index")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	col, err := s.protocol.CollateralView(index)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, col)
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, errors.New("owner is required"))
		return
	}
	writeJSON(w, s.protocol.AccountView(owner))
}

func (s *Server) accountHealth(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, errors.New("owner is required"))
		return
	}
	score, err := s.protocol.CometHealthScore(owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, healthResponse{Score: score.Value, Healthy: score.Healthy()})
}

func (s *Server) events(w http.ResponseWriter, _ *http.Request) {
	tail := s.protocol.RecentEvents()
	type entry struct {
		ID         uint64            `json:"id"`
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes,omitempty"`
	}
	out := make([]entry, 0, len(tail))
	for _, ev := range tail {
		e := entry{ID: ev.ID, Type: ev.EventType()}
		if attr, ok := ev.Event.(interface{ Attributes() map[string]string }); ok {
			e.Attributes = attr.Attributes()
		}
		out = append(out, e)
	}
	writeJSON(w, out)
}

func decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.Parse(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if amount.Sign() <= 0 {
		return decimal.Decimal{}, errors.New("amount must be positive")
	}
	return amount, nil
}

func parseStatus(raw string) (registry.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return registry.StatusActive, nil
	case "frozen":
		return registry.StatusFrozen, nil
	case "liquidation":
		return registry.StatusLiquidation, nil
	case "deprecated":
		return registry.StatusDeprecated, nil
	default:
		return 0, fmt.Errorf("unknown pool status %q", raw)
	}
}

func pathIndex(r *http.Request, name string) (int, error) {
	return strconv.Atoi(chi.URLParam(r, name))
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	_, _ = w.Write(payload)
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFromError(err), err)
}

// statusFromError maps engine errors onto HTTP statuses: malformed
// input is 400, authority failures 403, stale oracles 503, and state
// conflicts 409.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, decimal.ErrParse),
		errors.Is(err, registry.ErrInvalidPoolIndex),
		errors.Is(err, registry.ErrInvalidCollateralIndex),
		errors.Is(err, positions.ErrInvalidPositionIndex),
		errors.Is(err, oracle.ErrIncorrectAddress),
		errors.Is(err, oracle.ErrFailedToLoadFeed):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrStale):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrStatusPreventsAction),
		errors.Is(err, health.ErrInvalidMintCollateralRatio),
		errors.Is(err, positions.ErrOutstandingDebt),
		errors.Is(err, positions.ErrInsufficientCollateral),
		errors.Is(err, positions.ErrCometUnhealthy),
		errors.Is(err, positions.ErrUnknownCollateral),
		errors.Is(err, positions.ErrPositionNotEmpty),
		errors.Is(err, positions.ErrNoLiquidity),
		errors.Is(err, positions.ErrPositionCapacity),
		errors.Is(err, liquidation.ErrUnableToLiquidate),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, swap.ErrSwapAmountTooLow),
		errors.Is(err, swap.ErrSlippageExceeded),
		errors.Is(err, swap.ErrExceedsPoolDepth):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
