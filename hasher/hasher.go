// Package hasher implements a deterministic salted password hash with a
// version tag, argon2id as the memory-hard primitive.
//
// The encoded hash string is self-describing, in the usual
// "$algorithm$params$salt$digest" shape: everything a future Hasher needs
// to verify or upgrade the hash travels with it, so the cost parameters can
// change across deploys without invalidating existing hashes.
package hasher

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinLength = 8
	MaxLength = 128

	currentVersion = 2 // argon2id. version 1 was bcrypt, kept only for verify+upgrade.

	saltLen = 16
	keyLen  = 32
)

// Params are the per-install argon2id cost parameters. Memory is in KiB.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams matches OWASP's current argon2id baseline: 2 iterations,
// 19 MiB, and a fixed 4 lanes.
var DefaultParams = Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 4,
}

var (
	ErrHasherFault       = errors.New("hasher: internal fault")
	ErrPasswordIncorrect = errors.New("hasher: password incorrect")
	ErrPasswordUndefined = errors.New("hasher: no password set for this account")
	ErrPasswordLength    = errors.New("hasher: password must be between 8 and 128 characters")
)

// Hasher hashes and verifies passwords.
type Hasher struct {
	params Params
}

func New(params Params) *Hasher {
	return &Hasher{params: params}
}

// Hash produces a self-describing argon2id hash string for plaintext. It
// fails with ErrHasherFault on internal RNG failure and with
// ErrPasswordLength if the plaintext is outside [MinLength, MaxLength].
func (h *Hasher) Hash(plaintext string) (string, error) {
	if len(plaintext) < MinLength || len(plaintext) > MaxLength {
		return "", ErrPasswordLength
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHasherFault, err)
	}
	digest := argon2.IDKey([]byte(plaintext), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, keyLen)
	return encode(currentVersion, h.params, salt, digest), nil
}

// Verify checks plaintext against an encoded hash string. needsRehash is
// true when the stored hash predates the current version (or current cost
// parameters), so callers can transparently re-hash on next successful
// login.
func (h *Hasher) Verify(encoded, plaintext string) (needsRehash bool, err error) {
	if encoded == "" {
		return false, ErrPasswordUndefined
	}
	version, params, salt, digest, err := decode(encoded)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrHasherFault, err)
	}

	var candidate []byte
	switch version {
	case 1: // legacy bcrypt hash, pre-dates this install's argon2id hasher.
		if err := bcrypt.CompareHashAndPassword(digest, []byte(plaintext)); err != nil {
			return false, ErrPasswordIncorrect
		}
		return true, nil
	case 2:
		candidate = argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(digest)))
	default:
		return false, fmt.Errorf("%w: unknown hash version %d", ErrHasherFault, version)
	}

	if subtle.ConstantTimeCompare(candidate, digest) != 1 {
		return false, ErrPasswordIncorrect
	}
	needsRehash = params != h.params
	return needsRehash, nil
}

// HashBcrypt exists only so tests and migration tooling can synthesize a
// legacy version-1 hash to exercise the upgrade path; production code never
// calls it.
func HashBcrypt(plaintext string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return encode(1, Params{}, nil, digest), nil
}

func encode(version int, p Params, salt, digest []byte) string {
	return fmt.Sprintf("$argon2id-v%d$m=%d,t=%d,p=%d$%s$%s",
		version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest))
}

func decode(encoded string) (version int, params Params, salt, digest []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" {
		return 0, Params{}, nil, nil, errors.New("malformed hash string")
	}
	var head string
	if _, err = fmt.Sscanf(parts[1], "argon2id-v%d", &version); err != nil {
		return 0, Params{}, nil, nil, err
	}
	head = parts[2]
	if version != 1 {
		if _, err = fmt.Sscanf(head, "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
			return 0, Params{}, nil, nil, err
		}
	}
	if salt, err = base64.RawStdEncoding.DecodeString(parts[3]); err != nil {
		return 0, Params{}, nil, nil, err
	}
	if digest, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return 0, Params{}, nil, nil, err
	}
	return version, params, salt, digest, nil
}
