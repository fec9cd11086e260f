package gateway

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"taskbridge/crypto"
	"taskbridge/ledger"
)

type publicKeyRequest struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

type publicKeyResponse struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
}

// putPublicKey registers the key recovered from a signature over the
// registration message. The first registration for an address wins.
func (s *server) putPublicKey(w http.ResponseWriter, r *http.Request) {
	address, err := ledger.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	var body publicKeyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signature, err := hexutil.Decode(strings.TrimSpace(body.Signature))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding")
		return
	}
	recovered, err := crypto.RecoverRegistration(address, signature)
	if err != nil {
		writeError(w, http.StatusForbidden, "signature does not prove ownership of address")
		return
	}
	if body.PublicKey != "" {
		claimed, err := hexutil.Decode(strings.TrimSpace(body.PublicKey))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid public key encoding")
			return
		}
		parsed, err := crypto.ParsePublicKey(claimed)
		if err != nil || !bytes.Equal(parsed.Compressed(), recovered) {
			writeError(w, http.StatusBadRequest, "public key does not match signature")
			return
		}
	}

	stored, err := s.store.SavePublicKey(r.Context(), address, recovered)
	if err != nil {
		s.logger.Error("public key save failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to store public key")
		return
	}
	cached, err := s.keys.Remember(address, stored)
	if err != nil {
		s.logger.Error("stored public key rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to store public key")
		return
	}
	if !bytes.Equal(cached, recovered) {
		writeError(w, http.StatusConflict, "a different public key is already registered")
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{Address: address.Hex(), PublicKey: hexutil.Encode(cached)})
}

func (s *server) getPublicKey(w http.ResponseWriter, r *http.Request) {
	address, err := ledger.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	key, err := s.keys.Get(r.Context(), address)
	if errors.Is(err, crypto.ErrPublicKeyNotFound) {
		writeError(w, http.StatusNotFound, "public key not registered")
		return
	}
	if err != nil {
		s.logger.Error("public key lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load public key")
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{Address: address.Hex(), PublicKey: hexutil.Encode(key)})
}
