package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2id cost used for new hashes. Existing hashes carry their own.
var defaultArgon = argonParams{time: 3, memory: 64 * 1024, threads: 1}

const (
	saltLen = 16
	keyLen  = 32
)

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

// phc is a decoded $argon2id$v=19$m=..,t=..,p=..$salt$key string.
type phc struct {
	params argonParams
	salt   []byte
	key    []byte
}

var b64 = base64.RawStdEncoding

func (h phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.memory, h.params.time, h.params.threads,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.key))
}

func parsePHC(s string) (phc, error) {
	var h phc
	fields := strings.Split(s, "$")
	// Leading "$" yields an empty first field.
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return h, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return h, fmt.Errorf("%w: version %q", ErrInvalidHash, fields[2])
	}
	p := &h.params
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return h, fmt.Errorf("%w: parameters %q", ErrInvalidHash, fields[3])
	}

	var err error
	if h.salt, err = b64.DecodeString(fields[4]); err != nil {
		return h, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	if h.key, err = b64.DecodeString(fields[5]); err != nil || len(h.key) == 0 {
		return h, fmt.Errorf("%w: key", ErrInvalidHash)
	}
	return h, nil
}

// HashPassword returns an argon2id PHC string for password.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	p := defaultArgon
	return phc{
		params: p,
		salt:   salt,
		key:    argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, keyLen),
	}.String(), nil
}

// VerifyPassword reports whether password matches the PHC string encoded.
// A malformed hash is an error, not a mismatch.
func VerifyPassword(password, encoded string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	p := h.params
	//nolint:gosec // G115: decoded key is at most a few hundred bytes
	candidate := argon2.IDKey([]byte(password), h.salt, p.time, p.memory, p.threads, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(candidate, h.key) == 1, nil
}
