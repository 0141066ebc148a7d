// Package security — подпись запросов, защита от повторов, лимиты и
// аутентификация девайсов.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// ReplayWindow — допустимый разбег метки времени запроса (5 минут).
const ReplayWindow = 5 * time.Minute

// Sign — HMAC-SHA256(key, data), hex.
func Sign(key, data string) string {
	m := hmac.New(sha256.New, []byte(key))
	m.Write([]byte(data))
	return hex.EncodeToString(m.Sum(nil))
}

// Verify — сравнение только через hmac.Equal (постоянное время).
func Verify(key, data, signature string) bool {
	want := Sign(key, data)
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	raw, _ := hex.DecodeString(want)
	return hmac.Equal(sig, raw)
}

// SignRequest подписывает body+timestamp (миллисекунды, десятичная строка).
func SignRequest(deviceKey, body string, tsMillis int64) string {
	return Sign(deviceKey, body+strconv.FormatInt(tsMillis, 10))
}

// VerifyRequest сперва отбрасывает запросы вне окна повторов — даже с
// корректной подписью, потом проверяет саму подпись.
func VerifyRequest(deviceKey, body string, tsMillis int64, signature string) bool {
	return verifyRequestAt(deviceKey, body, tsMillis, signature, time.Now())
}

func verifyRequestAt(deviceKey, body string, tsMillis int64, signature string, now time.Time) bool {
	diff := now.UnixMilli() - tsMillis
	if diff < 0 {
		diff = -diff
	}
	if diff > ReplayWindow.Milliseconds() {
		return false
	}
	return Verify(deviceKey, body+strconv.FormatInt(tsMillis, 10), signature)
}
