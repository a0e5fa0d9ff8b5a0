package tenants

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

type HashParams struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	KeyLen      uint32
}

var DefaultHashParams = HashParams{Memory: 64 * 1024, Time: 3, Parallelism: 1, KeyLen: 32}

// HashSecret returns a PHC string: $argon2id$v=19$m=...,t=...,p=...$<salt>$<key>
func HashSecret(p HashParams, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("empty secret")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	dk := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(dk),
	), nil
}

// VerifySecret checks secret against a PHC string from HashSecret.
func VerifySecret(secret, phc string) bool {
	parts := strings.Split(phc, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var v int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &v); err != nil || v != argon2.Version {
		return false
	}
	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, t, m, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// MatchIdentity reports whether accessKey/secretKey equal one of recs.
func MatchIdentity(recs []IdentityRecord, accessKey, secretKey string) bool {
	for _, r := range recs {
		if subtle.ConstantTimeCompare([]byte(r.AccessKey), []byte(accessKey)) == 1 && VerifySecret(secretKey, r.SecretHash) {
			return true
		}
	}
	return false
}
