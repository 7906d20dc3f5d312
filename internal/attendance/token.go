package attendance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rotating tokens are compact keyed-MAC values rather than JWTs: they must
// fit a dense QR code and carry no claims beyond (seq, issue time), both of
// which are authenticated together with the session id. Wire form:
//
//	<seq>.<issue unix ms>.<base64url(HMAC-SHA256 prefix)>
//
// The session id is bound into the MAC but not carried on the wire; a value
// replayed against another session fails verification.

const (
	tokenSecretEnvVariable = "ROLLCALL_TOKEN_SECRET"
	tokenMACLength         = 16
)

var (
	errMissingTokenSecret = errors.New("token secret is not configured")

	tokenSecretMu sync.Mutex
	tokenSecret   cachedTokenSecret
)

type cachedTokenSecret struct {
	value []byte
	err   error
	ready bool
}

// SignToken derives the displayed token value for one rotation.
func SignToken(sessionID string, seq uint64, issuedAt time.Time) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("sessionID is required")
	}
	if seq == 0 {
		return "", errors.New("seq must start at 1")
	}
	secret, err := loadTokenSecret()
	if err != nil {
		return "", err
	}

	issueMs := issuedAt.UnixMilli()
	mac := computeTokenMAC(secret, sessionID, seq, issueMs)
	return strconv.FormatUint(seq, 10) + "." +
		strconv.FormatInt(issueMs, 10) + "." +
		base64.RawURLEncoding.EncodeToString(mac), nil
}

// VerifyToken checks a submitted value against the session's secret and
// decodes the sequence number and issue time it was signed over. Any
// malformed or forged value yields ErrInvalidToken; window placement is the
// validator's concern, not this function's.
func VerifyToken(sessionID, value string) (uint64, time.Time, error) {
	secret, err := loadTokenSecret()
	if err != nil {
		return 0, time.Time{}, err
	}

	parts := strings.Split(strings.TrimSpace(value), ".")
	if len(parts) != 3 {
		return 0, time.Time{}, ErrInvalidToken
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || seq == 0 {
		return 0, time.Time{}, ErrInvalidToken
	}
	issueMs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, ErrInvalidToken
	}
	mac, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(mac) != tokenMACLength {
		return 0, time.Time{}, ErrInvalidToken
	}

	expected := computeTokenMAC(secret, sessionID, seq, issueMs)
	if !hmac.Equal(mac, expected) {
		return 0, time.Time{}, ErrInvalidToken
	}
	return seq, time.UnixMilli(issueMs).UTC(), nil
}

func computeTokenMAC(secret []byte, sessionID string, seq uint64, issueMs int64) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(issueMs, 10)))
	return h.Sum(nil)[:tokenMACLength]
}

func loadTokenSecret() ([]byte, error) {
	tokenSecretMu.Lock()
	defer tokenSecretMu.Unlock()
	if tokenSecret.ready {
		return tokenSecret.value, tokenSecret.err
	}
	raw := strings.TrimSpace(os.Getenv(tokenSecretEnvVariable))
	if raw == "" {
		tokenSecret.err = errMissingTokenSecret
		tokenSecret.ready = true
		return nil, tokenSecret.err
	}
	tokenSecret.value = []byte(raw)
	tokenSecret.err = nil
	tokenSecret.ready = true
	return tokenSecret.value, nil
}

// ResetTokenSecretForTests clears the cached secret value. Only intended for
// test use.
func ResetTokenSecretForTests() {
	tokenSecretMu.Lock()
	defer tokenSecretMu.Unlock()
	tokenSecret = cachedTokenSecret{}
}
