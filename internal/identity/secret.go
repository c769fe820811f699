package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateSecondarySecret returns a fresh secret token: 11 random bytes plus
// a CRC-8 checksum byte, encoded as 16 characters of URL-safe base64.
func GenerateSecondarySecret() (string, error) {
	payload := make([]byte, secondarySecretPayloadLen)
	if _, err := rand.Read(payload); err != nil {
		return "", fmt.Errorf("generate secondary secret: %w", err)
	}
	raw := append(payload, crc8(payload))
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateSecondarySecret reports whether token is a well-formed secondary
// secret. Checks shape first, then the checksum, so a typo in any position
// is caught before the token is accepted.
func ValidateSecondarySecret(token string) bool {
	_, err := secondarySecretPayload(token)
	return err == nil
}

// secondarySecretPayload decodes token and returns the 11 payload bytes.
// The caller owns the returned slice and should zero it after use.
func secondarySecretPayload(token string) ([]byte, error) {
	if len(token) != secondarySecretTokenLen {
		return nil, ErrInvalidFormat
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != secondarySecretPayloadLen+1 {
		return nil, ErrInvalidFormat
	}
	defer zeroBytes(raw)
	if crc8(raw[:secondarySecretPayloadLen]) != raw[secondarySecretPayloadLen] {
		return nil, ErrInvalidFormat
	}
	return append([]byte(nil), raw[:secondarySecretPayloadLen]...), nil
}

// crc8 computes CRC-8 with polynomial 0x07, MSB first, zero init. Small
// enough that a table is not worth carrying.
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
