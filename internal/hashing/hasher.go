package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"admission-service/internal/config"
	"admission-service/internal/util"
)

const algorithmArgon2id = "argon2id-v1"

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher hashes one-time codes with argon2id, a per-code salt and a shared
// versioned pepper. Older pepper versions stay verifiable.
type Hasher struct {
	params  Argon2Params
	current *Pepper
	peppers map[int]*Pepper
	mu      sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	h := &Hasher{params: params, peppers: make(map[int]*Pepper)}

	// Newest first: the first entry gets the highest version.
	for i, value := range cfg.Hashing.Peppers {
		h.addPepper(&Pepper{Value: value, Version: len(cfg.Hashing.Peppers) - i})
	}
	if h.current == nil {
		util.Warn("No HASHING_PEPPERS configured; using a process-local pepper")
		h.addPepper(&Pepper{Value: randomPepper(), Version: 1})
	}

	return h
}

func (h *Hasher) addPepper(p *Pepper) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.peppers[p.Version] = p
	if h.current == nil || p.Version > h.current.Version {
		h.current = p
	}
}

func randomPepper() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	return h.hashWithPepper(otp, "otp")
}

func (h *Hasher) VerifyOTP(otp string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(otp, hashResult, "otp")
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.current
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context keeps hashes of different purposes from being interchangeable.
	hash := argon2.IDKey(
		[]byte(data+pepper.Value+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     algorithmArgon2id,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	if hashResult == nil {
		return false, ErrInvalidHash
	}
	if hashResult.Algorithm != algorithmArgon2id {
		return false, ErrIncompatibleVersion
	}

	h.mu.RLock()
	pepper, ok := h.peppers[hashResult.PepperVersion]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, hashResult.PepperVersion)
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+pepper.Value+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}
