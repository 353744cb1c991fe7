package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	//署名が一致しない、またはヘッダの形式が不正
	ErrInvalidSignature = errors.New("invalid signature")
	//署名タイムスタンプが許容窓の外（リプレイ対策）
	ErrStaleTimestamp = errors.New("stale timestamp")
)

// Payment-Signatureヘッダの検証器。
// ヘッダは "t=<unix秒>,v1=<hex>" で、署名対象は "<t>.<生のボディ>"。
// 再シリアライズせず受信した生バイトに対して検証する。副作用なし。
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// テストで時刻を固定する用
func NewVerifierWithClock(secret string, tolerance time.Duration, now func() time.Time) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       now,
	}
}

func (v *Verifier) Verify(body []byte, header string) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	//先に窓をチェックする（窓の外は署名計算すらしない）
	signedAt := time.Unix(ts, 0)
	age := v.now().Sub(signedAt)
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	//定数時間比較
	if !hmac.Equal(expected, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Signはテストやローカルのプロバイダ代わりに使う署名生成。
func Sign(secret string, body []byte, signedAt time.Time) string {
	ts := strconv.FormatInt(signedAt.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)

	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []byte, error) {
	var tsRaw, sigRaw string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			tsRaw = kv[1]
		case "v1":
			sigRaw = kv[1]
		}
	}

	if tsRaw == "" || sigRaw == "" {
		return 0, nil, ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return 0, nil, ErrInvalidSignature
	}

	sig, err := hex.DecodeString(sigRaw)
	if err != nil {
		return 0, nil, ErrInvalidSignature
	}

	return ts, sig, nil
}
