package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Signing salts scope a timed token to a single purpose so a password-reset
// token can never complete a child registration or vice versa.
const (
	SaltPasswordReset     = "password-reset"
	SaltChildRegistration = "child-registration"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// SignTimed produces a self-contained token over payload: the issue time is
// embedded next to the payload and both are covered by an HMAC-SHA256 tag
// keyed by HMAC(secret, salt). Validity is re-derived at verification time,
// nothing is persisted server-side.
func SignTimed(secret, salt string, payload map[string]string) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))

	encodedBody := base64.RawURLEncoding.EncodeToString(body)
	encodedTS := base64.RawURLEncoding.EncodeToString(ts[:])
	tag := sign(secret, salt, encodedBody+"."+encodedTS)
	return encodedBody + "." + encodedTS + "." + tag, nil
}

// VerifyTimed checks the tag in constant time, then the age against maxAge.
// A bad signature always wins over expiry so a tampered timestamp cannot
// change the error class.
func VerifyTimed(secret, salt, token string, maxAge time.Duration) (map[string]string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenInvalid
	}
	expected := sign(secret, salt, parts[0]+"."+parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, ErrTokenInvalid
	}

	tsBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(tsBytes) != 8 {
		return nil, ErrTokenInvalid
	}
	issuedAt := time.Unix(int64(binary.BigEndian.Uint64(tsBytes)), 0)
	if time.Since(issuedAt) > maxAge {
		return nil, ErrTokenExpired
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenInvalid
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrTokenInvalid
	}
	return payload, nil
}

func sign(secret, salt, message string) string {
	keyMac := hmac.New(sha256.New, []byte(secret))
	keyMac.Write([]byte(salt))
	mac := hmac.New(sha256.New, keyMac.Sum(nil))
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// NewOTP returns a 6-digit one-time code from crypto/rand.
func NewOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
