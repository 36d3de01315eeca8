package relay

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"
)

var ErrBadToken = errors.New("umbra: bad or expired token")

// Tokens issues and checks room tokens: base64url(expiry || hmac(room,
// expiry)). Nothing is stored; a restart with another secret voids
// every token.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
	}
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}
}

func (t *Tokens) mac(room string, expiry []byte) []byte {
	h := hmac.New(sha256.New, t.secret)
	h.Write(expiry)
	h.Write([]byte(room))
	return h.Sum(nil)
}

func (t *Tokens) Issue(room string) string {
	expiry := binary.BigEndian.AppendUint64(nil, uint64(t.now().Add(t.ttl).Unix()))
	return base64.RawURLEncoding.EncodeToString(append(expiry, t.mac(room, expiry)...))
}

func (t *Tokens) Check(room, token string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 8+sha256.Size {
		return ErrBadToken
	}
	expiry, mac := raw[:8], raw[8:]
	if !hmac.Equal(mac, t.mac(room, expiry)) {
		return ErrBadToken
	}
	if t.now().Unix() > int64(binary.BigEndian.Uint64(expiry)) {
		return ErrBadToken
	}
	return nil
}
