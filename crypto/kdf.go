package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const SaltSize = 16

// KDFParams are the scrypt cost parameters stored next to a wrapped key so
// they can be raised without breaking existing wallets.
type KDFParams struct {
	N uint32 `json:"n"`
	R uint32 `json:"r"`
	P uint32 `json:"p"`
}

var DefaultKDFParams = KDFParams{N: 1 << 15, R: 8, P: 1}

func (p KDFParams) validate() error {
	if p.N < 2 || p.N&(p.N-1) != 0 {
		return fmt.Errorf("kdf: N must be a power of two > 1 (got %d)", p.N)
	}
	if p.R == 0 || p.P == 0 {
		return errors.New("kdf: r and p must be positive")
	}
	return nil
}

// DeriveKEK stretches passphrase into a 32-byte key-encryption key.
func DeriveKEK(passphrase, salt []byte, p KDFParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("kdf: empty passphrase")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("kdf: salt must be %d bytes", SaltSize)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return scrypt.Key(passphrase, salt, int(p.N), int(p.R), int(p.P), 32)
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// RandomKey returns n bytes from the system CSPRNG.
func RandomKey(n int) ([]byte, error) {
	k := make([]byte, n)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}
