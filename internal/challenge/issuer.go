package challenge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"
)

// Credential layout: data | expires_at | difficulty | nonce | sig, integers little endian.
const (
	dataLen  = 32
	expLen   = 8
	difLen   = 2
	nonceLen = 8
	sigLen   = sha256.Size
	rawLen   = dataLen + expLen + difLen + nonceLen + sigLen
)

var ErrEmptySecret = errors.New("challenge: secret must not be empty")

// Scheme mints secret-bound challenges and validates solved credentials.
// It keeps no per-challenge state: everything needed to validate a
// credential travels inside it, protected by an HMAC.
type Scheme struct {
	secret []byte
	now    func() time.Time
}

// Payload is the JSON challenge embedded into the challenge page.
type Payload struct {
	Data       string `json:"data"`
	ExpiresAt  uint64 `json:"expires_at"`
	Difficulty uint16 `json:"difficulty"`
	Sig        string `json:"sig"`
}

// NewScheme binds the scheme to secret.
func NewScheme(secret []byte) (*Scheme, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Scheme{secret: s, now: time.Now}, nil
}

// IssueChallenge returns a serialized Payload that expires after ttl.
func (s *Scheme) IssueChallenge(bits uint16, ttl time.Duration) ([]byte, error) {
	data := make([]byte, dataLen)
	if _, err := rand.Read(data); err != nil {
		return nil, err
	}
	exp := uint64(s.now().Add(ttl).Unix())
	sig := s.sign(data, exp, bits)
	return json.Marshal(Payload{
		Data:       base64.RawURLEncoding.EncodeToString(data),
		ExpiresAt:  exp,
		Difficulty: bits,
		Sig:        base64.RawURLEncoding.EncodeToString(sig),
	})
}

// ValidateCredential reports whether cred is a correctly signed, unexpired
// challenge with a nonce meeting its difficulty.
func (s *Scheme) ValidateCredential(cred []byte) bool {
	if len(cred) != base64.RawURLEncoding.EncodedLen(rawLen) {
		return false
	}
	raw := make([]byte, rawLen)
	n, err := base64.RawURLEncoding.Decode(raw, cred)
	if err != nil || n != rawLen {
		return false
	}
	raw = raw[:n]

	data := raw[:dataLen]
	exp := binary.LittleEndian.Uint64(raw[dataLen:])
	bits := binary.LittleEndian.Uint16(raw[dataLen+expLen:])
	nonce := raw[dataLen+expLen+difLen : dataLen+expLen+difLen+nonceLen]
	sig := raw[rawLen-sigLen:]

	if !hmac.Equal(sig, s.sign(data, exp, bits)) {
		return false
	}
	if uint64(s.now().Unix()) > exp {
		return false
	}
	return LeadingZeroBits(digest(data, nonce)) >= int(bits)
}

func (s *Scheme) sign(data []byte, exp uint64, bits uint16) []byte {
	var tail [expLen + difLen]byte
	binary.LittleEndian.PutUint64(tail[:expLen], exp)
	binary.LittleEndian.PutUint16(tail[expLen:], bits)
	m := hmac.New(sha256.New, s.secret)
	m.Write(data)
	m.Write(tail[:])
	return m.Sum(nil)
}

func digest(data, nonce []byte) []byte {
	h := sha256.New()
	h.Write(data)
	h.Write(nonce)
	return h.Sum(nil)
}

// LeadingZeroBits returns the count of leading zero bits in b.
func LeadingZeroBits(b []byte) int {
	n := 0
	for _, by := range b {
		for i := 7; i >= 0; i-- {
			if (by>>uint(i))&1 == 0 {
				n++
			} else {
				return n
			}
		}
	}
	return n
}
