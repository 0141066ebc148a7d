package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"sprout/internal/dispatch"
	"sprout/internal/message"
	"sprout/internal/models"
	"sprout/internal/provisioning"
	"sprout/internal/security"
)

/* ───── провижининг ───── */

type claimRequest struct {
	TenantID    string   `json:"tenant_id"`
	FarmID      string   `json:"farm_id,omitempty"`
	TTLSeconds  int      `json:"ttl_seconds,omitempty"`
	IPWhitelist []string `json:"ip_whitelist,omitempty"`
}

type claimResponse struct {
	SetupToken string                `json:"setup_token"`
	ExpiresAt  time.Time             `json:"expires_at"`
	QR         provisioning.QRPayload `json:"qr"`
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	tok, err := h.prov.Claim(r.Context(), provisioning.ClaimInput{
		TenantID:    req.TenantID,
		FarmID:      req.FarmID,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		IPWhitelist: req.IPWhitelist,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, claimResponse{
		SetupToken: tok.Token,
		ExpiresAt:  tok.ExpiresAt,
		QR:         h.prov.QR(tok, h.pubURL),
	})
}

type bindRequest struct {
	SetupToken   string   `json:"setup_token"`
	DeviceID     string   `json:"device_id"`
	DeviceType   string   `json:"device_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	PublicKey    string   `json:"public_key,omitempty"`
}

func (h *Handler) Bind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	b, err := h.prov.Bind(r.Context(), provisioning.BindInput{
		SetupToken:   req.SetupToken,
		DeviceID:     req.DeviceID,
		DeviceType:   req.DeviceType,
		Capabilities: req.Capabilities,
		PublicKey:    req.PublicKey,
		ClientIP:     clientIP(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, b)
}

type verifyTokenRequest struct {
	SetupToken string `json:"setup_token"`
	ClientIP   string `json:"client_ip,omitempty"` // прокси-клиенты передают явно
}

// VerifySetupToken — предварительная проверка токена мобильным клиентом
// до фактического Bind (срок, IP-список).
func (h *Handler) VerifySetupToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	ip := req.ClientIP
	if ip == "" {
		ip = clientIP(r)
	}
	tenantID, farmID, err := h.prov.VerifySetupToken(r.Context(), req.SetupToken, ip)
	if err != nil {
		h.writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"tenant_id": tenantID,
		"farm_id":   farmID,
	})
}

// clientIP — адрес клиента без порта.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type rotateRequest struct {
	CurrentKey string `json:"current_key"`
	Reason     string `json:"reason,omitempty"`
}

func (h *Handler) Rotate(w http.ResponseWriter, r *http.Request) {
	ac, ok := security.FromContext(r.Context())
	if !ok {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "device authentication required", nil)
		return
	}
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	rot, err := h.prov.Rotate(r.Context(), ac.TenantID, ac.DeviceID, req.CurrentKey, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, rot)
}

/* ───── телеметрия и команды ───── */

func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request) {
	ac, ok := security.FromContext(r.Context())
	if !ok {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "device authentication required", nil)
		return
	}
	var t message.Telemetry
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if t.DeviceID == "" {
		t.DeviceID = ac.DeviceID
	}
	if t.DeviceID != ac.DeviceID {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "device_id does not match credentials", nil)
		return
	}
	if err := h.sink(r.Context(), t); err != nil {
		var rl *security.RateLimitError
		if errors.As(err, &rl) {
			// Retry-After исчерпанного ведра: тенантного или девайсного
			models.WriteRateLimited(w, rl.RetryAfter, "telemetry rate limit exceeded ("+rl.Scope+")")
			return
		}
		if errors.Is(err, security.ErrRateLimited) {
			models.WriteRateLimited(w, h.deviceRL.RetryAfter(ac.TenantID+":"+ac.DeviceID), "telemetry rate limit exceeded")
			return
		}
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type pendingCommand struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *Handler) PendingCommands(w http.ResponseWriter, r *http.Request) {
	ac, ok := security.FromContext(r.Context())
	if !ok {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "device authentication required", nil)
		return
	}
	deviceID := mux.Vars(r)["deviceId"]
	if deviceID != ac.DeviceID {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "device_id does not match credentials", nil)
		return
	}
	recs, err := h.httpAd.PendingCommands(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]pendingCommand, 0, len(recs))
	for _, rec := range recs {
		out = append(out, pendingCommand{
			CommandID: rec.CommandID,
			Type:      rec.Type,
			Params:    json.RawMessage(rec.Params),
			Priority:  rec.Priority,
			CreatedAt: rec.CreatedAt,
		})
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"commands": out})
}

type ackRequest struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

func (h *Handler) AckCommand(w http.ResponseWriter, r *http.Request) {
	ac, ok := security.FromContext(r.Context())
	if !ok {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "device authentication required", nil)
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	h.httpAd.ResolveAck(message.Ack{
		DeviceID:  ac.DeviceID,
		CommandID: mux.Vars(r)["commandId"],
		TS:        message.Now(),
		Success:   req.Success,
		Message:   req.Message,
		ErrorCode: req.ErrorCode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// DispatchCommand — операторский вход: отправить команду устройству и
// дождаться подтверждения (или таймаута доставки).
func (h *Handler) DispatchCommand(w http.ResponseWriter, r *http.Request) {
	var cmd message.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	ack, err := h.disp.Dispatch(r.Context(), cmd)
	if err != nil {
		var ex *dispatch.ExhaustedError
		if errors.As(err, &ex) {
			models.WriteProblem(w, http.StatusBadGateway, "Delivery Failed", err.Error(), nil)
			return
		}
		h.writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, ack)
}

/* ───── LoRaWAN webhook ───── */

func (h *Handler) LoRaWANWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "cannot read body", nil)
		return
	}
	if !h.lora.VerifyWebhook(body, r.Header.Get(security.HeaderSignature)) {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "webhook signature mismatch", nil)
		return
	}
	if err := h.lora.HandleUplink(r.Context(), body); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ───── маппинг ошибок ───── */

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, message.ErrValidation):
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), nil)
	case errors.Is(err, provisioning.ErrTokenConsumed):
		models.WriteProblem(w, http.StatusConflict, "Setup Token Consumed", err.Error(), nil)
	case errors.Is(err, provisioning.ErrTokenInvalid):
		models.WriteProblem(w, http.StatusUnauthorized, "Invalid Setup Token", err.Error(), nil)
	case errors.Is(err, provisioning.ErrKeyInvalid):
		models.WriteProblem(w, http.StatusUnauthorized, "Invalid Device Key", err.Error(), nil)
	case errors.Is(err, provisioning.ErrTenantMismatch):
		models.WriteProblem(w, http.StatusForbidden, "Tenant Mismatch", err.Error(), nil)
	case errors.Is(err, provisioning.ErrDeviceNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Device Not Found", err.Error(), nil)
	case errors.Is(err, security.ErrRateLimited):
		retry := 1
		var rl *security.RateLimitError
		if errors.As(err, &rl) {
			retry = rl.RetryAfter
		}
		models.WriteRateLimited(w, retry, "rate limit exceeded")
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
	}
}
