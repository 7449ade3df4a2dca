package wallet

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"rubin.dev/rpcnode/crypto"
)

const messageMagic = "Rubin Signed Message:\n"

var ErrMalformedAddress = errors.New("malformed address")

// AddressFromPubKey derives the textual address: prefix + hex of the first 20
// bytes of SHA3-256(pubkey).
func AddressFromPubKey(pub []byte) string {
	h := crypto.SHA3_256(pub)
	return addressPrefix + hex.EncodeToString(h[:20])
}

// ValidateAddress checks the textual form of addr without a wallet lookup.
func ValidateAddress(addr string) error {
	body, ok := strings.CutPrefix(addr, addressPrefix)
	if !ok || len(body) != 40 {
		return ErrMalformedAddress
	}
	if _, err := hex.DecodeString(body); err != nil {
		return ErrMalformedAddress
	}
	return nil
}

func messageDigest(msg string) [32]byte {
	return crypto.SHA3_256([]byte(messageMagic), []byte(msg))
}

// SignMessage signs msg with the key of addr. The base64 signature carries
// the public key so VerifyMessage needs no wallet.
// Layout: pubkey (32) | ed25519 signature (64)
func (w *Wallet) SignMessage(addr, msg string) (string, error) {
	seed, pub, err := w.seed(addr)
	if err != nil {
		return "", err
	}
	defer crypto.Wipe(seed)
	priv := ed25519.NewKeyFromSeed(seed)
	defer crypto.Wipe(priv)
	digest := messageDigest(msg)
	sig := ed25519.Sign(priv, digest[:])
	out := make([]byte, 0, ed25519.PublicKeySize+ed25519.SignatureSize)
	out = append(out, pub...)
	out = append(out, sig...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// VerifyMessage reports whether signature is a valid signature of msg by the
// key behind addr. A malformed signature encoding is an error; a well-formed
// signature by another key is simply false.
func VerifyMessage(addr, signature, msg string) (bool, error) {
	if err := ValidateAddress(addr); err != nil {
		return false, err
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, errors.New("malformed base64 encoding")
	}
	if len(raw) != ed25519.PublicKeySize+ed25519.SignatureSize {
		return false, errors.New("malformed signature length")
	}
	pub := ed25519.PublicKey(raw[:ed25519.PublicKeySize])
	if AddressFromPubKey(pub) != addr {
		return false, nil
	}
	digest := messageDigest(msg)
	return ed25519.Verify(pub, digest[:], raw[ed25519.PublicKeySize:]), nil
}
