package provisioning

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *time.Time) {
	s := New(NewMemTokenStore(), NewMemDeviceStore(), 0, 0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestClaimIssuesToken(t *testing.T) {
	s, now := newTestService()

	tok, err := s.Claim(context.Background(), ClaimInput{TenantID: "t-1", FarmID: "farm-1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(tok.Token, "ST_"))
	assert.Len(t, tok.Token, 3+48)
	assert.Equal(t, now.Add(600*time.Second), tok.ExpiresAt)

	_, err = s.Claim(context.Background(), ClaimInput{TenantID: "  "})
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestQRPayload(t *testing.T) {
	s, _ := newTestService()
	tok, err := s.Claim(context.Background(), ClaimInput{TenantID: "t-1", FarmID: "f-1"})
	require.NoError(t, err)

	qr := s.QR(tok, "https://bridge.example.com")
	assert.Equal(t, "https://bridge.example.com", qr.ServerURL)
	assert.Equal(t, tok.Token, qr.SetupToken)
	assert.Equal(t, "t-1", qr.TenantID)
	assert.Equal(t, "f-1", qr.FarmID)
	assert.Equal(t, "https", qr.Protocol)
}

func TestBindConsumesTokenOnce(t *testing.T) {
	s, _ := newTestService()
	tok, err := s.Claim(context.Background(), ClaimInput{TenantID: "t-1", FarmID: "f-1"})
	require.NoError(t, err)

	b, err := s.Bind(context.Background(), BindInput{
		SetupToken:   tok.Token,
		DeviceID:     "sensor-a1",
		DeviceType:   "soil_sensor",
		Capabilities: []string{"telemetry", "ota"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(b.DeviceKey, "DK_"))
	assert.Len(t, b.DeviceKey, 3+64)
	assert.Equal(t, "t-1", b.TenantID)
	assert.Equal(t, "f-1", b.FarmID)

	// повторный Bind тем же токеном
	_, err = s.Bind(context.Background(), BindInput{SetupToken: tok.Token, DeviceID: "sensor-2"})
	assert.ErrorIs(t, err, ErrTokenConsumed)
}

func TestBindExpiredToken(t *testing.T) {
	s, now := newTestService()
	tok, err := s.Claim(context.Background(), ClaimInput{TenantID: "t-1"})
	require.NoError(t, err)

	*now = now.Add(601 * time.Second)
	_, err = s.Bind(context.Background(), BindInput{SetupToken: tok.Token, DeviceID: "d"})
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestBindUnknownToken(t *testing.T) {
	s, _ := newTestService()
	_, err := s.Bind(context.Background(), BindInput{SetupToken: "ST_nope", DeviceID: "d"})
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestBindConcurrentSameTokenSingleWinner(t *testing.T) {
	s, _ := newTestService()
	tok, err := s.Claim(context.Background(), ClaimInput{TenantID: "t-1"})
	require.NoError(t, err)

	var ok int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Bind(context.Background(), BindInput{
				SetupToken: tok.Token,
				DeviceID:   string(rune('a' + i)),
			})
			if err == nil {
				atomic.AddInt64(&ok, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), ok)
}

func TestRotateKeepsOldKeyThroughGrace(t *testing.T) {
	s, now := newTestService()
	tok, _ := s.Claim(context.Background(), ClaimInput{TenantID: "t-1"})
	b, err := s.Bind(context.Background(), BindInput{SetupToken: tok.Token, DeviceID: "dev-1"})
	require.NoError(t, err)

	rot, err := s.Rotate(context.Background(), "t-1", "dev-1", b.DeviceKey, "scheduled")
	require.NoError(t, err)
	assert.NotEqual(t, b.DeviceKey, rot.NewKey)
	assert.Equal(t, 3600, rot.GracePeriod)
	assert.Equal(t, now.Add(time.Hour), rot.ExpiresAt)

	// внутри grace-окна живут оба ключа
	keys, err := s.DeviceKeys(context.Background(), "t-1", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, rot.NewKey, keys.Active)
	assert.Equal(t, b.DeviceKey, keys.Pending)

	// после окна уходящий ключ отрезается
	*now = now.Add(time.Hour + time.Second)
	keys, err = s.DeviceKeys(context.Background(), "t-1", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, rot.NewKey, keys.Active)
	assert.Empty(t, keys.Pending)
}

func TestRotateRejectsWrongCurrentKey(t *testing.T) {
	s, _ := newTestService()
	tok, _ := s.Claim(context.Background(), ClaimInput{TenantID: "t-1"})
	_, err := s.Bind(context.Background(), BindInput{SetupToken: tok.Token, DeviceID: "dev-1"})
	require.NoError(t, err)

	_, err = s.Rotate(context.Background(), "t-1", "dev-1", "DK_wrong", "")
	assert.ErrorIs(t, err, ErrKeyInvalid)

	_, err = s.Rotate(context.Background(), "t-1", "ghost", "DK_x", "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestVerifySetupTokenIPWhitelist(t *testing.T) {
	s, _ := newTestService()
	tok, err := s.Claim(context.Background(), ClaimInput{
		TenantID:    "t-1",
		FarmID:      "f-9",
		IPWhitelist: []string{"10.0.0.5", "10.0.0.6"},
	})
	require.NoError(t, err)

	tenant, farm, err := s.VerifySetupToken(context.Background(), tok.Token, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "t-1", tenant)
	assert.Equal(t, "f-9", farm)

	_, _, err = s.VerifySetupToken(context.Background(), tok.Token, "192.168.1.1")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, _, err = s.VerifySetupToken(context.Background(), "ST_unknown", "10.0.0.5")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestBindEnforcesIPWhitelist(t *testing.T) {
	s, _ := newTestService()
	tok, err := s.Claim(context.Background(), ClaimInput{
		TenantID:    "t-1",
		IPWhitelist: []string{"10.0.0.5"},
	})
	require.NoError(t, err)

	// чужой IP — отказ, токен остаётся непогашенным
	_, err = s.Bind(context.Background(), BindInput{
		SetupToken: tok.Token, DeviceID: "dev-1", ClientIP: "192.168.1.1",
	})
	require.ErrorIs(t, err, ErrTokenInvalid)

	b, err := s.Bind(context.Background(), BindInput{
		SetupToken: tok.Token, DeviceID: "dev-1", ClientIP: "10.0.0.5",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", b.TenantID)
}

func TestBindWithoutWhitelistIgnoresIP(t *testing.T) {
	s, _ := newTestService()
	tok, err := s.Claim(context.Background(), ClaimInput{TenantID: "t-1"})
	require.NoError(t, err)

	_, err = s.Bind(context.Background(), BindInput{
		SetupToken: tok.Token, DeviceID: "dev-1", ClientIP: "203.0.113.7",
	})
	assert.NoError(t, err)
}

func TestDeviceKeysUnknownDevice(t *testing.T) {
	s, _ := newTestService()
	_, err := s.DeviceKeys(context.Background(), "t-1", "nope")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestMarkSeenUpdatesDevice(t *testing.T) {
	s, _ := newTestService()
	tok, _ := s.Claim(context.Background(), ClaimInput{TenantID: "t-1"})
	_, err := s.Bind(context.Background(), BindInput{SetupToken: tok.Token, DeviceID: "dev-1"})
	require.NoError(t, err)

	s.MarkSeen(context.Background(), "t-1", "dev-1")
	d, err := s.devices.Get(context.Background(), "t-1", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.NotNil(t, d.LastSeenAt)
}
