package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"tokenmeter/internal/ledger"
	"tokenmeter/internal/meter"
	"tokenmeter/internal/models"
	"tokenmeter/internal/oracle"
	"tokenmeter/internal/settlement"
	"tokenmeter/internal/utils"
)

// PriceReader exposes the oracle's read-only price views.
type PriceReader interface {
	CachedPrice() (decimal.Decimal, bool)
	TWAPPrice() (decimal.Decimal, error)
}

// Handler serves the metering API over the core service.
type Handler struct {
	core   *meter.Service
	prices PriceReader
	log    *utils.Logger
}

func NewHandler(core *meter.Service, prices PriceReader, log *utils.Logger) *Handler {
	if log == nil {
		log = utils.NewLogger("httpapi")
	}
	return &Handler{core: core, prices: prices, log: log}
}

// DepositRequest records a verified on-chain deposit.
type DepositRequest struct {
	TxID   string          `json:"txId"`
	Amount decimal.Decimal `json:"amount"`
}

// ChargeRequest debits a wallet for one billable action.
type ChargeRequest struct {
	RequestType models.RequestType `json:"requestType"`
	USDCost     decimal.Decimal    `json:"usdCost"`
}

// PriceResponse reports the oracle's current view of the token price.
type PriceResponse struct {
	Price decimal.Decimal  `json:"price"`
	Fresh bool             `json:"fresh"`
	TWAP  *decimal.Decimal `json:"twap,omitempty"`
}

// GetBalance handles GET /v1/wallets/{wallet}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	if wallet == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Wallet address is required")
		return
	}

	balance, err := h.core.Balance(r.Context(), wallet)
	if err != nil {
		h.log.Error("balance lookup failed", "wallet", wallet, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, balance)
}

// Deposit handles POST /v1/wallets/{wallet}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.TxID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "txId is required")
		return
	}
	if !req.Amount.IsPositive() {
		utils.RespondWithError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	balance, err := h.core.Deposit(r.Context(), wallet, req.TxID, req.Amount)
	switch {
	case errors.Is(err, meter.ErrDepositRejected):
		utils.RespondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		utils.RespondWithError(w, http.StatusConflict, "Transaction already credited")
	case err != nil:
		h.log.Error("deposit failed", "wallet", wallet, "tx", req.TxID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to record deposit")
	default:
		utils.RespondWithJSON(w, http.StatusCreated, balance)
	}
}

// Charge handles POST /v1/wallets/{wallet}/charges
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")

	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.RequestType != models.RequestChat && req.RequestType != models.RequestVoice {
		utils.RespondWithError(w, http.StatusBadRequest, "requestType must be chat or voice")
		return
	}
	if !req.USDCost.IsPositive() {
		utils.RespondWithError(w, http.StatusBadRequest, "usdCost must be positive")
		return
	}

	balance, err := h.core.Charge(r.Context(), wallet, req.RequestType, req.USDCost)
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		utils.RespondWithError(w, http.StatusPaymentRequired, "Insufficient balance")
	case errors.Is(err, oracle.ErrNoPriceData):
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Token price unavailable")
	case err != nil:
		h.log.Error("charge failed", "wallet", wallet, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to charge wallet")
	default:
		utils.RespondWithJSON(w, http.StatusOK, balance)
	}
}

// History handles GET /v1/wallets/{wallet}/usage
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	records, err := h.core.History(r.Context(), wallet, limit)
	if err != nil {
		h.log.Error("history lookup failed", "wallet", wallet, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read usage history")
		return
	}
	if records == nil {
		records = []models.UsageRecord{}
	}
	utils.RespondWithJSON(w, http.StatusOK, records)
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.core.Stats(r.Context())
	if err != nil {
		h.log.Error("stats lookup failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, totals)
}

// Settle handles POST /v1/settlement/run
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	res, err := h.core.Settle(r.Context())
	switch {
	case errors.Is(err, settlement.ErrSettlementInProgress):
		utils.RespondWithError(w, http.StatusConflict, "Settlement already in progress")
	case errors.Is(err, settlement.ErrKeyNotLoaded):
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Settlement unavailable: custodial key not loaded")
	case err != nil:
		h.log.Error("settlement run failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Settlement failed")
	default:
		utils.RespondWithJSON(w, http.StatusOK, res)
	}
}

// SettlementStats handles GET /v1/settlement/stats
func (h *Handler) SettlementStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.core.SettlementStats(r.Context())
	if err != nil {
		h.log.Error("settlement stats failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read settlement stats")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, stats)
}

// Price handles GET /v1/price
func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	price, fresh := h.prices.CachedPrice()
	resp := PriceResponse{Price: price, Fresh: fresh}
	if twap, err := h.prices.TWAPPrice(); err == nil {
		resp.TWAP = &twap
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}
