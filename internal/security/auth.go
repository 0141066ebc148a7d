package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sprout/internal/logs"
	"sprout/internal/models"
)

// ErrAuth — отсутствующие или невалидные учётные данные. Не ретраится.
var ErrAuth = errors.New("authentication failed")

// Заголовки девайсного HTTP/webhook-транспорта.
const (
	HeaderDeviceID  = "x-device-id"
	HeaderTenantID  = "x-tenant-id"
	HeaderSignature = "x-signature"
	HeaderTimestamp = "x-timestamp"
)

// AuthMethod — способ аутентификации.
type AuthMethod string

const (
	MethodPSK AuthMethod = "psk"
)

// AuthContext — результат успешной аутентификации.
type AuthContext struct {
	DeviceID string
	TenantID string
	FarmID   string
	Method   AuthMethod
}

// DeviceKeys — ключи устройства на момент проверки. Pending — уходящий
// ключ ротации, валиден до GraceExpiry.
type DeviceKeys struct {
	Active      string
	Pending     string
	GraceExpiry time.Time
	FarmID      string
}

// KeyProvider отдаёт ключи устройства (репозиторий или память).
type KeyProvider interface {
	DeviceKeys(ctx context.Context, tenantID, deviceID string) (*DeviceKeys, error)
}

// Authenticator проверяет подпись запроса против активного ключа
// устройства, а в grace-окне ротации — и против уходящего.
type Authenticator struct {
	keys KeyProvider

	// OnAuthenticated — хук после успешной проверки (отметка last_seen).
	OnAuthenticated func(ctx context.Context, ac *AuthContext)
}

func NewAuthenticator(keys KeyProvider) *Authenticator {
	return &Authenticator{keys: keys}
}

// Authenticate разбирает заголовки, проверяет окно повторов и подпись
// body+timestamp. Тело запроса восстанавливается для следующего хендлера.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	deviceID := r.Header.Get(HeaderDeviceID)
	tenantID := r.Header.Get(HeaderTenantID)
	signature := r.Header.Get(HeaderSignature)
	tsRaw := r.Header.Get(HeaderTimestamp)

	if deviceID == "" || tenantID == "" || signature == "" || tsRaw == "" {
		return nil, fmt.Errorf("%w: missing auth headers", ErrAuth)
	}
	tsMillis, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrAuth)
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrAuth, err)
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(rawBody)))

	keys, err := a.keys.DeviceKeys(r.Context(), tenantID, deviceID)
	if err != nil || keys == nil {
		return nil, ErrAuth
	}

	body := string(rawBody)
	ok := VerifyRequest(keys.Active, body, tsMillis, signature)
	if !ok && keys.Pending != "" && time.Now().Before(keys.GraceExpiry) {
		// ротация: старый ключ ещё валиден до конца grace-окна
		ok = VerifyRequest(keys.Pending, body, tsMillis, signature)
	}
	if !ok {
		return nil, ErrAuth
	}

	ac := &AuthContext{
		DeviceID: deviceID,
		TenantID: tenantID,
		FarmID:   keys.FarmID,
		Method:   MethodPSK,
	}
	if a.OnAuthenticated != nil {
		a.OnAuthenticated(r.Context(), ac)
	}
	return ac, nil
}

type authCtxKey struct{}

// NewContext кладёт AuthContext; применяет middleware и транспорты,
// аутентифицирующие вне HTTP.
func NewContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey{}, ac)
}

// FromContext достаёт AuthContext, положенный middleware-ом.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authCtxKey{}).(*AuthContext)
	return ac, ok
}

// Middleware — HMAC-аутентификация девайсных маршрутов.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := a.Authenticate(r)
		if err != nil {
			logs.Logger.Warnf("device auth failed: %v device=%s tenant=%s ip=%s",
				err, r.Header.Get(HeaderDeviceID), r.Header.Get(HeaderTenantID), r.RemoteAddr)
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid device credentials", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), ac)))
	})
}
