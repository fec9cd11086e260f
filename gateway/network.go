package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskbridge/gateway/middleware"
	"taskbridge/netstate"
)

type networkStatus struct {
	Mode          netstate.Mode `json:"mode"`
	SystemChainID uint64        `json:"systemChainId"`
	WalletChainID uint64        `json:"walletChainId"`
	Tolerated     bool          `json:"tolerated"`
}

func (s *server) status(r *http.Request) networkStatus {
	return networkStatus{
		Mode:          s.network.Mode(),
		SystemChainID: s.network.SystemChainID(),
		WalletChainID: s.network.LastObservedChain(),
		Tolerated:     s.network.ShouldTolerateWalletNetwork(r.Context()),
	}
}

func (s *server) networkStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(r))
}

type depositResponse struct {
	Asset  netstate.Asset  `json:"asset"`
	Result netstate.Result `json:"result"`
	Status networkStatus   `json:"status"`
}

// prepareDeposit moves the server wallet onto the source chain of an asset.
func (s *server) prepareDeposit(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(chi.URLParam(r, "symbol"))
	if s.assets == nil {
		writeError(w, http.StatusNotFound, "unknown asset")
		return
	}
	asset, ok := s.assets.Asset(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown asset")
		return
	}
	res := s.network.EnsureNetworkFor(r.Context(), netstate.ActionDeposit, &asset)
	s.logger.Info("deposit preparation requested",
		slog.String("operator", middleware.Subject(r.Context())),
		slog.String("asset", asset.Symbol),
		slog.Uint64("chain_id", res.ChainID),
		slog.Bool("ok", res.OK),
		slog.Bool("switched", res.Switched))
	body := depositResponse{Asset: asset, Result: res, Status: s.status(r)}
	if !res.OK {
		writeJSON(w, switchFailureStatus(res.Err), body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func switchFailureStatus(err error) int {
	switch {
	case errors.Is(err, netstate.ErrSwitchInProgress), errors.Is(err, netstate.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, netstate.ErrNoSourceChain), errors.Is(err, netstate.ErrUnknownChain):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// depositReady records that the deposit leg finished so the next publish may
// switch back to the system chain.
func (s *server) depositReady(w http.ResponseWriter, r *http.Request) {
	if err := s.network.MarkDepositReady(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status(r))
}

func (s *server) cancelDeposit(w http.ResponseWriter, r *http.Request) {
	if err := s.network.CancelDeposit(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status(r))
}
