package payment_test

import (
	"testing"
	"time"

	"app/internal/payment"

	"github.com/stretchr/testify/assert"
)

const testSecret = "whsec_test_secret"

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestVerifier_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event_id":"evt_1","event_type":"payment.succeeded"}`)

	header := payment.Sign(testSecret, body, now)

	v := payment.NewVerifierWithClock(testSecret, 5*time.Minute, fixedClock(now))
	assert.NoError(t, v.Verify(body, header))
}

// 署名後にボディが1バイトでも変わっていたら拒否
func TestVerifier_TamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event_id":"evt_1"}`)

	header := payment.Sign(testSecret, body, now)
	tampered := []byte(`{"event_id":"evt_2"}`)

	v := payment.NewVerifierWithClock(testSecret, 5*time.Minute, fixedClock(now))
	assert.ErrorIs(t, v.Verify(tampered, header), payment.ErrInvalidSignature)
}

func TestVerifier_WrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)

	header := payment.Sign("whsec_other", body, now)

	v := payment.NewVerifierWithClock(testSecret, 5*time.Minute, fixedClock(now))
	assert.ErrorIs(t, v.Verify(body, header), payment.ErrInvalidSignature)
}

// 許容窓より古いタイムスタンプはリプレイとみなして拒否
func TestVerifier_StaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)

	header := payment.Sign(testSecret, body, now.Add(-6*time.Minute))

	v := payment.NewVerifierWithClock(testSecret, 5*time.Minute, fixedClock(now))
	assert.ErrorIs(t, v.Verify(body, header), payment.ErrStaleTimestamp)
}

// 未来すぎるタイムスタンプも拒否（時計ずれの範囲は許容）
func TestVerifier_FutureTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)

	header := payment.Sign(testSecret, body, now.Add(10*time.Minute))

	v := payment.NewVerifierWithClock(testSecret, 5*time.Minute, fixedClock(now))
	assert.ErrorIs(t, v.Verify(body, header), payment.ErrStaleTimestamp)
}

// 窓ぎりぎりは通る
func TestVerifier_WithinTolerance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)

	header := payment.Sign(testSecret, body, now.Add(-4*time.Minute))

	v := payment.NewVerifierWithClock(testSecret, 5*time.Minute, fixedClock(now))
	assert.NoError(t, v.Verify(body, header))
}

func TestVerifier_MalformedHeader(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := payment.NewVerifierWithClock(testSecret, 5*time.Minute, fixedClock(now))

	cases := []string{
		"",
		"garbage",
		"t=123",
		"v1=deadbeef",
		"t=notanumber,v1=deadbeef",
		"t=1700000000,v1=nothex!!",
	}

	for _, h := range cases {
		assert.ErrorIs(t, v.Verify([]byte(`{}`), h), payment.ErrInvalidSignature, "header=%q", h)
	}
}
