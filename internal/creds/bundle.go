// Package creds holds the credential bundle a protocol session needs to resume
// without pairing again, its on-disk layout and its structural validation.
package creds

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// BundleFile is the core credentials file inside a tenant's auth directory.
const BundleFile = "creds.json"

var (
	// ErrNoBundle is returned when the auth directory holds no credentials file.
	ErrNoBundle = errors.New("no credential bundle")
	// ErrInvalidBundle is returned when the credentials file fails validation.
	ErrInvalidBundle = errors.New("invalid credential bundle")
)

// KeyPair is a Curve25519 key pair. []byte fields encode as base64.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// SignedKeyPair is a key pair signed by the identity key.
type SignedKeyPair struct {
	KeyPair   KeyPair `json:"keyPair"`
	Signature []byte  `json:"signature"`
	KeyID     int     `json:"keyId"`
}

// Contact is the account the bundle is paired to.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Bundle is the minimal key material needed to resume a paired session.
type Bundle struct {
	NoiseKey                KeyPair         `json:"noiseKey"`
	PairingEphemeralKeyPair KeyPair         `json:"pairingEphemeralKeyPair"`
	SignedIdentityKey       KeyPair         `json:"signedIdentityKey"`
	SignedPreKey            SignedKeyPair   `json:"signedPreKey"`
	RegistrationID          int             `json:"registrationId"`
	AdvSecretKey            string          `json:"advSecretKey"`
	Me                      *Contact        `json:"me,omitempty"`
	Account                 json.RawMessage `json:"account,omitempty"`
	Registered              bool            `json:"registered"`
	NextPreKeyID            int             `json:"nextPreKeyId"`
	Platform                string          `json:"platform,omitempty"`
}

// Marshal encodes the bundle as it is stored on disk.
func (b *Bundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// NewKeyPair returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func NewKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// NewBundle generates a complete bundle paired to me. An empty me yields the
// pre-pairing shape that carries key material but no account.
func NewBundle(me string) (*Bundle, error) {
	var pairs [4]KeyPair
	for i := range pairs {
		kp, err := NewKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		pairs[i] = kp
	}
	sig := make([]byte, 64)
	adv := make([]byte, 32)
	var reg [2]byte
	for _, buf := range [][]byte{sig, adv, reg[:]} {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
	}
	b := &Bundle{
		NoiseKey:                pairs[0],
		PairingEphemeralKeyPair: pairs[1],
		SignedIdentityKey:       pairs[2],
		SignedPreKey:            SignedKeyPair{KeyPair: pairs[3], Signature: sig, KeyID: 1},
		RegistrationID:          int(binary.BigEndian.Uint16(reg[:])&0x3fff) + 1,
		AdvSecretKey:            base64Std(adv),
		NextPreKeyID:            1,
	}
	if me != "" {
		b.Me = &Contact{ID: me}
		b.Account = json.RawMessage(`{"details":"","accountSignatureKey":"","accountSignature":"","deviceSignature":""}`)
		b.Registered = true
		b.Platform = "gateway"
	}
	return b, nil
}
