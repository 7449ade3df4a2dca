package crypto

import (
	"crypto/aes"
	"errors"
)

// AES-256 key wrap, RFC 3394. Used to keep wallet key material at rest.

var (
	ErrKeyWrapIntegrity = errors.New("keywrap: integrity check failed")

	wrapIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}
)

// WrapKey wraps key under kek. kek must be 32 bytes; key must be 16..4096
// bytes and a multiple of 8.
func WrapKey(kek, key []byte) ([]byte, error) {
	if len(kek) != 32 {
		return nil, errors.New("keywrap: kek must be 32 bytes")
	}
	if len(key) < 16 || len(key) > 4096 || len(key)%8 != 0 {
		return nil, errors.New("keywrap: key must be 16..4096 bytes and a multiple of 8")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(key) / 8
	out := make([]byte, 8+len(key))
	copy(out[8:], key)
	a := wrapIV
	var buf [16]byte
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			r := out[i*8 : (i+1)*8]
			copy(buf[:8], a[:])
			copy(buf[8:], r)
			block.Encrypt(buf[:], buf[:])
			xorCounter(&a, buf[:8], uint64(n*j+i))
			copy(r, buf[8:])
		}
	}
	copy(out[:8], a[:])
	return out, nil
}

// UnwrapKey reverses WrapKey and fails with ErrKeyWrapIntegrity when kek is
// wrong or the blob was altered.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(kek) != 32 {
		return nil, errors.New("keywrap: kek must be 32 bytes")
	}
	if len(wrapped) < 24 || len(wrapped) > 4104 || len(wrapped)%8 != 0 {
		return nil, errors.New("keywrap: wrapped key must be 24..4104 bytes and a multiple of 8")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	out := make([]byte, len(wrapped)-8)
	copy(out, wrapped[8:])
	var a [8]byte
	copy(a[:], wrapped[:8])
	var buf [16]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			r := out[(i-1)*8 : i*8]
			xorCounter(&a, a[:], uint64(n*j+i))
			copy(buf[:8], a[:])
			copy(buf[8:], r)
			block.Decrypt(buf[:], buf[:])
			copy(a[:], buf[:8])
			copy(r, buf[8:])
		}
	}
	if a != wrapIV {
		Wipe(out)
		return nil, ErrKeyWrapIntegrity
	}
	return out, nil
}

// xorCounter sets a to src XOR the big-endian step counter t.
func xorCounter(a *[8]byte, src []byte, t uint64) {
	for k := 0; k < 8; k++ {
		a[k] = src[k] ^ byte(t>>(56-8*k))
	}
}
