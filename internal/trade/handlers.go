package trade

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/respond"
)

// BuyResponse is the JSON body returned from POST /trade/buy.
type BuyResponse struct {
	Message    string          `json:"message"`
	PositionID string          `json:"positionId"`
	TotalCost  decimal.Decimal `json:"totalCost"`
	Cash       decimal.Decimal `json:"current_cash"`
}

// SellResponse is the JSON body returned from POST /trade/sell.
type SellResponse struct {
	Message     string          `json:"message"`
	TotalCredit decimal.Decimal `json:"totalCredit"`
	Cash        decimal.Decimal `json:"current_cash"`
}

// DepositRequest is the JSON body for POST /user/{id}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateAccountRequest is the JSON body for POST /user.
type CreateAccountRequest struct {
	Username string `json:"username"`
}

// HandleBuy handles POST /trade/buy
func (s *Service) HandleBuy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.Buy(r.Context(), req)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, BuyResponse{
		Message:    "Purchase successful",
		PositionID: res.Position.ID,
		TotalCost:  res.TotalCost,
		Cash:       res.Cash,
	})
}

// HandleSell handles POST /trade/sell
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.Sell(r.Context(), req)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, SellResponse{
		Message:     "Sale successful",
		TotalCredit: res.TotalCredit,
		Cash:        res.Cash,
	})
}

// HandleDeposit handles POST /user/{id}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.AccountID(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.Deposit(r.Context(), id, req.Amount)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"message": "Deposit successful",
		"account": acct,
	})
}

// HandleReset handles POST /user/{id}/reset-portfolio
func (s *Service) HandleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.AccountID(w, r)
	if !ok {
		return
	}

	acct, err := s.Reset(r.Context(), id)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"message": "Portfolio reset successful",
		"account": acct,
	})
}

// HandleGetAccount handles GET /user/{id}
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.AccountID(w, r)
	if !ok {
		return
	}

	acct, err := s.Account(r.Context(), id)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, acct)
}

// HandleCreateAccount handles POST /user
func (s *Service) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.CreateAccount(r.Context(), req.Username)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, acct)
}

// HandleTransactions handles GET /user/{id}/transactions
func (s *Service) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.AccountID(w, r)
	if !ok {
		return
	}

	entries, err := s.Transactions(r.Context(), id)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, entries)
}

// writeTradeError maps the error taxonomy onto HTTP statuses.
func writeTradeError(w http.ResponseWriter, err error) {
	var drift *PriceDriftError
	switch {
	case errors.As(err, &drift):
		respond.JSON(w, http.StatusBadRequest, map[string]any{
			"error":          drift.Error(),
			"requestedPrice": drift.Requested,
			"referencePrice": drift.Reference,
		})
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrContractNotFound),
		errors.Is(err, ErrMarketDataUnavailable),
		errors.Is(err, ErrInsufficientFunds):
		respond.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrPositionNotFound):
		respond.Error(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error("trade request failed", "err", err)
		respond.Error(w, "internal error", http.StatusInternalServerError)
	}
}
