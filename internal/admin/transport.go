package admin

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
)

// Handler serves the admin provisioning endpoints:
//
//   - GET  /pubkey    — the bot's ephemeral X25519 public key.
//   - GET  /status    — current [ProvisioningStatus].
//   - POST /provision — accept encrypted secrets from the admin CLI.
//
// The ephemeral keypair is generated once at construction and taken by the
// first provision attempt, whether or not that attempt succeeds; every
// /pubkey or /provision request after that gets 409 Conflict.
type Handler struct {
	log            *slog.Logger
	adminPublicKey ed25519.PublicKey
	store          *SecretStore

	mu      sync.Mutex
	keypair *EphemeralKeyPair // nil once taken by a provision attempt
}

// NewHandler creates a provisioning handler. adminPublicKeyB64 is the
// admin's Ed25519 verifying key, base64-encoded, used to authenticate every
// provision request.
func NewHandler(log *slog.Logger, adminPublicKeyB64 string, store *SecretStore) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	adminPublicKey, err := ParseEd25519PublicKey(adminPublicKeyB64)
	if err != nil {
		return nil, err
	}
	keypair, err := GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	log.Info("generated ephemeral keypair for admin provisioning")

	return &Handler{
		log:            log,
		adminPublicKey: adminPublicKey,
		store:          store,
		keypair:        keypair,
	}, nil
}

// Register adds the admin routes to mux under prefix (e.g. "/admin").
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix+"/pubkey", h.getPublicKey)
	mux.HandleFunc("GET "+prefix+"/status", h.getStatus)
	mux.HandleFunc("POST "+prefix+"/provision", h.provision)
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

type statusResponse struct {
	Status ProvisioningStatus `json:"status"`
}

type provisionRequest struct {
	AdminX25519Public string `json:"admin_x25519_public"`
	Ciphertext         string `json:"ciphertext"`
	Nonce              string `json:"nonce"`
	Signature          string `json:"signature"`
}

type provisionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) getPublicKey(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	kp := h.keypair
	h.mu.Unlock()

	if kp == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already provisioned"})
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{PublicKey: kp.PublicKeyBase64()})
}

func (h *Handler) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: h.store.Status()})
}

// provision implements the 8-step handshake: reject if already provisioned,
// take the ephemeral keypair (single use), parse the admin's X25519 public
// key, verify the Ed25519 signature over (admin_public || ciphertext ||
// nonce), derive the shared secret, decrypt the payload, parse it as
// [SecretsPayload], and store it.
func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	if h.store.IsProvisioned() {
		h.log.Warn("provision attempt when already provisioned")
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already provisioned"})
		return
	}

	kp := h.takeKeypair()
	if kp == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already provisioned"})
		return
	}

	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	resp, status := h.handleProvision(kp, req)
	writeJSON(w, status, resp)
}

// cryptoErrorResponse is the single, opaque error body returned for every
// crypto-path failure in the provisioning handshake. The real cause is
// logged server-side only; returning it verbatim would let a caller probe
// which handshake step rejected a malformed request.
var cryptoErrorResponse = errorResponse{Error: "invalid request"}

func (h *Handler) handleProvision(kp *EphemeralKeyPair, req provisionRequest) (any, int) {
	adminX25519Public, err := ParseX25519PublicKey(req.AdminX25519Public)
	if err != nil {
		h.log.Warn("provision rejected", "error", err)
		return cryptoErrorResponse, http.StatusBadRequest
	}

	ciphertextBytes, err := decodeB64(req.Ciphertext)
	if err != nil {
		h.log.Warn("provision rejected", "error", err)
		return cryptoErrorResponse, http.StatusBadRequest
	}
	nonceBytes, err := decodeB64(req.Nonce)
	if err != nil {
		h.log.Warn("provision rejected", "error", err)
		return cryptoErrorResponse, http.StatusBadRequest
	}

	message := BuildSignatureMessage(adminX25519Public, ciphertextBytes, nonceBytes)
	signature, err := ParseSignature(req.Signature)
	if err != nil {
		h.log.Warn("provision rejected", "error", err)
		return cryptoErrorResponse, http.StatusBadRequest
	}
	if err := VerifySignature(h.adminPublicKey, message, signature); err != nil {
		h.log.Warn("provision rejected", "error", err)
		return cryptoErrorResponse, http.StatusBadRequest
	}
	h.log.Info("admin signature verified")

	sharedSecret, err := kp.DiffieHellman(adminX25519Public)
	if err != nil {
		h.log.Warn("provision rejected", "error", err)
		return cryptoErrorResponse, http.StatusBadRequest
	}
	plaintext, err := DecryptPayload(sharedSecret, req.Nonce, req.Ciphertext)
	if err != nil {
		h.log.Warn("provision rejected", "error", err)
		return cryptoErrorResponse, http.StatusBadRequest
	}
	h.log.Info("provisioning payload decrypted")

	var secrets SecretsPayload
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return errorResponse{Error: "secrets deserialization failed: " + err.Error()}, http.StatusBadRequest
	}

	if !h.store.Provision(secrets) {
		h.log.Error("failed to store secrets, already provisioned")
		return errorResponse{Error: "already provisioned"}, http.StatusConflict
	}

	h.log.Info("secrets provisioned successfully")
	return provisionResponse{Success: true, Message: "secrets provisioned successfully"}, http.StatusOK
}

// takeKeypair removes and returns the handler's ephemeral keypair, ensuring
// it can be consumed by at most one provision attempt.
func (h *Handler) takeKeypair() *EphemeralKeyPair {
	h.mu.Lock()
	defer h.mu.Unlock()
	kp := h.keypair
	h.keypair = nil
	return kp
}

func decodeB64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrCrypto
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
