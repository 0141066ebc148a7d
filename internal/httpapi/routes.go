// Package httpapi — HTTP-поверхность моста: провижининг, телеметрия,
// polling команд и вебхук LoRaWAN.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"sprout/internal/adapter"
	"sprout/internal/bridge"
	"sprout/internal/dispatch"
	"sprout/internal/provisioning"
	"sprout/internal/security"
)

type Handler struct {
	prov     *provisioning.Service
	auth     *security.Authenticator
	br       *bridge.Bridge
	disp     *dispatch.Dispatcher
	httpAd   *adapter.HTTP
	lora     *adapter.LoRaWAN // nil — интеграция выключена
	deviceRL *security.Limiter
	sink     adapter.TelemetrySink
	pubURL   string
}

func NewHandler(prov *provisioning.Service, auth *security.Authenticator, br *bridge.Bridge,
	disp *dispatch.Dispatcher, httpAd *adapter.HTTP, lora *adapter.LoRaWAN,
	deviceRL *security.Limiter, pubURL string) *Handler {
	return &Handler{
		prov:     prov,
		auth:     auth,
		br:       br,
		disp:     disp,
		httpAd:   httpAd,
		lora:     lora,
		deviceRL: deviceRL,
		sink:     br.SinkFor("http"),
		pubURL:   pubURL,
	}
}

// RegisterRoutes вешает маршруты моста на роутер. Маршруты устройств
// закрыты HMAC-мидлварью, провижининг и вебхук — нет (у них свои
// механизмы: одноразовый токен и подпись тела).
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/bridge").Subrouter()

	api.HandleFunc("/provisioning/claim", h.Claim).Methods(http.MethodPost)
	api.HandleFunc("/provisioning/bind", h.Bind).Methods(http.MethodPost)
	api.HandleFunc("/provisioning/verify", h.VerifySetupToken).Methods(http.MethodPost)

	api.HandleFunc("/commands", h.DispatchCommand).Methods(http.MethodPost)

	dev := api.PathPrefix("").Subrouter()
	dev.Use(h.auth.Middleware)
	dev.HandleFunc("/provisioning/rotate", h.Rotate).Methods(http.MethodPost)
	dev.HandleFunc("/telemetry", h.Telemetry).Methods(http.MethodPost)
	dev.HandleFunc("/commands/{deviceId}", h.PendingCommands).Methods(http.MethodGet)
	dev.HandleFunc("/commands/{commandId}/ack", h.AckCommand).Methods(http.MethodPost)

	if h.lora != nil {
		api.HandleFunc("/rpc/lorawan/webhook", h.LoRaWANWebhook).Methods(http.MethodPost)
	}
}
