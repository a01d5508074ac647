package handlers

import (
	"net/http"
	"strconv"
	"time"
)

type transactionDTO struct {
	ID        string    `json:"id"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	Reference *string   `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreditBalance opens the merchant's account on first use, granting the
// configured starting credits once.
func (a *App) CreditBalance(w http.ResponseWriter, r *http.Request) {
	merchantID := a.currentMerchantID(r)
	if merchantID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}
	balance, err := a.Credits.EnsureAccount(r.Context(), merchantID, a.StartingCredits)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"merchant_id": merchantID, "balance": balance})
}

func (a *App) CreditTransactions(w http.ResponseWriter, r *http.Request) {
	merchantID := a.currentMerchantID(r)
	if merchantID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := a.Credits.Transactions(r.Context(), merchantID, limit)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	items := make([]transactionDTO, 0, len(txs))
	for _, tx := range txs {
		items = append(items, transactionDTO{
			ID:        tx.ID,
			Delta:     tx.Delta,
			Reason:    tx.Reason,
			Reference: tx.Reference,
			CreatedAt: tx.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
