package httpapi

import (
	"context"
	"net/http"

	"tokenmeter/internal/utils"
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// NewRouter builds the API routing table. db may be nil when the
// health endpoint should not probe the database.
func NewRouter(h *Handler, db HealthChecker) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.Health(r.Context()); err != nil {
				utils.RespondWithError(w, http.StatusServiceUnavailable, "database unreachable")
				return
			}
		}
		utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /v1/wallets/{wallet}", h.GetBalance)
	mux.HandleFunc("POST /v1/wallets/{wallet}/deposits", h.Deposit)
	mux.HandleFunc("POST /v1/wallets/{wallet}/charges", h.Charge)
	mux.HandleFunc("GET /v1/wallets/{wallet}/usage", h.History)
	mux.HandleFunc("GET /v1/stats", h.Stats)
	mux.HandleFunc("POST /v1/settlement/run", h.Settle)
	mux.HandleFunc("GET /v1/settlement/stats", h.SettlementStats)
	mux.HandleFunc("GET /v1/price", h.Price)

	return mux
}
