// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package did implements the decentralised identifiers used to name
// every principal known to nilDB. A DID is derived from an ECDSA
// P-256 public key and has the textual form:
//
//	did:nil:<66 hex chars of the compressed public key point>
//
// Builders, end users and the node itself are all identified this way;
// there is no separate account namespace.
package did

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/juju/errors"
)

const (
	// Prefix is the scheme and method prefix shared by all nilDB DIDs.
	Prefix = "did:nil:"

	// keyHexLen is the length of a hex-encoded compressed P-256 point.
	keyHexLen = 66
)

// ErrInvalidDID is returned when a string cannot be parsed as a DID.
const ErrInvalidDID = errors.ConstError("invalid DID")

// DID is a principal identifier of the form did:nil:<public-key-hex>.
type DID string

// String is the textual form of the DID.
func (d DID) String() string {
	return string(d)
}

// Validate returns an error unless the DID is well formed.
func (d DID) Validate() error {
	s := string(d)
	if !strings.HasPrefix(s, Prefix) {
		return errors.WithType(errors.Errorf("%q lacks %q prefix", s, Prefix), ErrInvalidDID)
	}
	keyHex := s[len(Prefix):]
	if len(keyHex) != keyHexLen {
		return errors.WithType(errors.Errorf("%q has malformed key material", s), ErrInvalidDID)
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return errors.WithType(errors.Errorf("%q has non-hex key material", s), ErrInvalidDID)
	}
	if raw[0] != 0x02 && raw[0] != 0x03 {
		return errors.WithType(errors.Errorf("%q is not a compressed point", s), ErrInvalidDID)
	}
	return nil
}

// PublicKey recovers the ECDSA public key the DID was derived from.
func (d DID) PublicKey() (*ecdsa.PublicKey, error) {
	if err := d.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := hex.DecodeString(string(d)[len(Prefix):])
	if err != nil {
		return nil, errors.WithType(errors.Trace(err), ErrInvalidDID)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw)
	if x == nil {
		return nil, errors.WithType(errors.Errorf("%q does not name a point on P-256", d), ErrInvalidDID)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Parse validates s and returns it as a DID.
func Parse(s string) (DID, error) {
	d := DID(s)
	if err := d.Validate(); err != nil {
		return "", errors.Trace(err)
	}
	return d, nil
}

// FromPublicKey derives the DID naming the given public key.
func FromPublicKey(pub *ecdsa.PublicKey) DID {
	raw := elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y)
	return DID(Prefix + hex.EncodeToString(raw))
}

// KeyPair holds the signing identity behind a DID.
type KeyPair struct {
	private *ecdsa.PrivateKey
}

// NewKeyPair generates a fresh random identity.
func NewKeyPair() (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Annotate(err, "generating identity key")
	}
	return &KeyPair{private: key}, nil
}

// KeyPairFromSeed derives a deterministic identity from a hex seed.
// The node uses this so that its DID is stable across restarts.
func KeyPairFromSeed(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, errors.Annotate(err, "decoding identity seed")
	}
	if len(seed) == 0 {
		return nil, errors.New("empty identity seed")
	}
	// Hash the seed onto the curve's scalar field. Rejection sampling
	// keeps the scalar uniform; in practice a single digest suffices.
	curve := elliptic.P256()
	digest := sha256.Sum256(seed)
	k := new(big.Int).SetBytes(digest[:])
	for k.Sign() == 0 || k.Cmp(curve.Params().N) >= 0 {
		digest = sha256.Sum256(digest[:])
		k = new(big.Int).SetBytes(digest[:])
	}
	private := new(ecdsa.PrivateKey)
	private.Curve = curve
	private.D = k
	private.X, private.Y = curve.ScalarBaseMult(k.Bytes())
	return &KeyPair{private: private}, nil
}

// DID names the key pair's public half.
func (kp *KeyPair) DID() DID {
	return FromPublicKey(&kp.private.PublicKey)
}

// Signer exposes the private key for token signing.
func (kp *KeyPair) Signer() *ecdsa.PrivateKey {
	return kp.private
}

// Public returns the public half of the key pair.
func (kp *KeyPair) Public() *ecdsa.PublicKey {
	return &kp.private.PublicKey
}
