package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"chainmarket/internal/settlement"
)

// SessionHandler exposes the settlement session parameters wallet clients
// need to build and submit marketplace transactions.
type SessionHandler struct {
	session *settlement.Session
	logger  *slog.Logger
}

// NewSessionHandler creates a SessionHandler for the given session.
func NewSessionHandler(session *settlement.Session, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		session: session,
		logger:  logger,
	}
}

// GetSession returns the contract address and expected chain ID.
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Info())
}

// switchNetworkRequest is the body of a network switch request.
type switchNetworkRequest struct {
	ChainID int64 `json:"chainId"`
}

// SwitchNetwork updates the session's expected network.
// POST /api/session/network
func (h *SessionHandler) SwitchNetwork(w http.ResponseWriter, r *http.Request) {
	var req switchNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.session.SwitchNetwork(req.ChainID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}

	h.logger.InfoContext(r.Context(), "handler: settlement network switched",
		slog.Int64("chain_id", req.ChainID),
	)
	writeJSON(w, http.StatusOK, h.session.Info())
}
