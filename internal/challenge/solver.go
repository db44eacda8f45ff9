package challenge

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNoSolution = errors.New("challenge: no solution within iteration limit")

// Solve brute-forces a nonce for a serialized Payload and returns the
// credential a browser running the embedded solver script would store.
// It gives up after maxIter attempts.
func Solve(payload []byte, maxIter uint64) (string, error) {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	data, err := base64.RawURLEncoding.DecodeString(p.Data)
	if err != nil || len(data) != dataLen {
		return "", errors.New("challenge: bad data field")
	}
	sig, err := base64.RawURLEncoding.DecodeString(p.Sig)
	if err != nil || len(sig) != sigLen {
		return "", errors.New("challenge: bad sig field")
	}

	var nonce [nonceLen]byte
	for i := uint64(0); i < maxIter; i++ {
		binary.LittleEndian.PutUint64(nonce[:], i)
		if LeadingZeroBits(digest(data, nonce[:])) < int(p.Difficulty) {
			continue
		}
		raw := make([]byte, 0, rawLen)
		raw = append(raw, data...)
		raw = binary.LittleEndian.AppendUint64(raw, p.ExpiresAt)
		raw = binary.LittleEndian.AppendUint16(raw, p.Difficulty)
		raw = append(raw, nonce[:]...)
		raw = append(raw, sig...)
		return base64.RawURLEncoding.EncodeToString(raw), nil
	}
	return "", ErrNoSolution
}
