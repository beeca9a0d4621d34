package portfolio

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/optionquest/trading-core/internal/marketdata"
	"github.com/optionquest/trading-core/internal/respond"
)

// HandlePositions handles GET /user/{id}/positions?daysForward=
func (v *Valuator) HandlePositions(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.AccountID(w, r)
	if !ok {
		return
	}
	daysForward, err := marketdata.DaysForwardParam(r)
	if err != nil {
		respond.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	positions, err := v.Positions(r.Context(), id, daysForward)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, positions)
}

// HandlePortfolio handles GET /user/{id}/portfolio?daysForward=
func (v *Valuator) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	id, ok := respond.AccountID(w, r)
	if !ok {
		return
	}
	daysForward, err := marketdata.DaysForwardParam(r)
	if err != nil {
		respond.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := v.Portfolio(r.Context(), id, daysForward)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAccountNotFound) {
		respond.Error(w, "user not found", http.StatusNotFound)
		return
	}
	slog.Error("portfolio request failed", "err", err)
	respond.Error(w, err.Error(), http.StatusInternalServerError)
}
