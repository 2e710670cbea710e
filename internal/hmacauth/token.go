package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret    = errors.New("signing secret not configured")
	ErrMissingSignature = errors.New("missing confirmation signature")
	ErrMissingTimestamp = errors.New("missing confirmation timestamp")
	ErrStaleTimestamp   = errors.New("stale confirmation timestamp")
	ErrInvalidSignature = errors.New("invalid confirmation signature")
	ErrMissingNonce     = errors.New("missing confirmation nonce")
	// ErrTokenUsed is returned by callers that track spent nonces.
	ErrTokenUsed = errors.New("confirmation token already used")
)

// Token proves that subject was presented at Timestamp by this server. Nonce
// is unique per issued token so a spent token can be recognised.
type Token struct {
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Verifier issues and checks tokens. Tokens older than MaxSkew are rejected.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Issue signs subject with the current time and a fresh nonce.
func (v *Verifier) Issue(subject string) Token {
	ts := strconv.FormatInt(v.now().Unix(), 10)
	nonce := uuid.NewString()
	return Token{
		Timestamp: ts,
		Nonce:     nonce,
		Signature: computeSignature(v.Secret, ts, nonce, []byte(subject)),
	}
}

// Verify checks that tok was issued for subject within MaxSkew.
func (v *Verifier) Verify(subject string, tok Token) error {
	if v.Secret == "" {
		return ErrMissingSecret
	}
	if tok.Signature == "" {
		return ErrMissingSignature
	}
	if tok.Timestamp == "" {
		return ErrMissingTimestamp
	}
	if tok.Nonce == "" {
		return ErrMissingNonce
	}
	ts, err := strconv.ParseInt(tok.Timestamp, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := v.now()
	issued := time.Unix(ts, 0)
	if now.Sub(issued) > v.MaxSkew || issued.Sub(now) > v.MaxSkew {
		return ErrStaleTimestamp
	}

	expected := computeSignature(v.Secret, tok.Timestamp, tok.Nonce, []byte(subject))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(tok.Signature))) {
		return ErrInvalidSignature
	}
	return nil
}

func computeSignature(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{0})
	mac.Write([]byte(nonce))
	mac.Write([]byte{0})
	mac.Write(body)
	return strings.ToLower(hex.EncodeToString(mac.Sum(nil)))
}
