package creds

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// Report is the outcome of structurally validating a bundle.
type Report struct {
	// Problems lists required fields that are missing or malformed.
	Problems []string
	// Present lists every expected field that is present and well-typed.
	Present []string
	// Score is the completeness fraction over the expected field set.
	Score float64
}

// Valid reports whether every required field is present and well-typed.
func (r Report) Valid() bool { return len(r.Problems) == 0 }

// Err returns nil for a valid report and an ErrInvalidBundle wrap otherwise.
func (r Report) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidBundle, strings.Join(r.Problems, "; "))
}

type field struct {
	name     string
	required bool
	check    func(json.RawMessage) error
}

// fields is the expected shape of the core credentials file. me and account
// only appear once pairing has completed, while registered and nextPreKeyId
// are written from the start, so a fresh unpaired bundle still scores 0.8.
// Validity rests on the required fields; the score only ranks completeness.
var fields = []field{
	{"noiseKey", true, checkKeyPair},
	{"pairingEphemeralKeyPair", true, checkKeyPair},
	{"signedIdentityKey", true, checkKeyPair},
	{"signedPreKey", true, checkSignedKeyPair},
	{"registrationId", true, checkPositiveInt},
	{"advSecretKey", true, checkNonEmptyString},
	{"me", false, checkContact},
	{"account", false, checkObject},
	{"registered", false, checkBool},
	{"nextPreKeyId", false, checkPositiveInt},
}

// Validate checks raw against the expected bundle shape.
func Validate(raw []byte) Report {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Report{Problems: []string{"bundle is not a JSON object"}}
	}
	var r Report
	for _, f := range fields {
		v, ok := obj[f.name]
		if !ok || isNull(v) {
			if f.required {
				r.Problems = append(r.Problems, f.name+": missing")
			}
			continue
		}
		if err := f.check(v); err != nil {
			if f.required {
				r.Problems = append(r.Problems, f.name+": "+err.Error())
			}
			continue
		}
		r.Present = append(r.Present, f.name)
	}
	r.Score = float64(len(r.Present)) / float64(len(fields))
	return r
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func checkKeyPair(v json.RawMessage) error {
	var kp struct {
		Private *string `json:"private"`
		Public  *string `json:"public"`
	}
	if err := json.Unmarshal(v, &kp); err != nil {
		return errors.New("not a key pair object")
	}
	if kp.Private == nil || kp.Public == nil {
		return errors.New("key pair needs private and public")
	}
	priv, err := decodeKey(*kp.Private)
	if err != nil {
		return fmt.Errorf("private: %w", err)
	}
	pub, err := decodeKey(*kp.Public)
	if err != nil {
		return fmt.Errorf("public: %w", err)
	}
	derived, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive public: %w", err)
	}
	if !bytes.Equal(derived, pub) {
		return errors.New("public key does not match private key")
	}
	return nil
}

func checkSignedKeyPair(v json.RawMessage) error {
	var skp struct {
		KeyPair   json.RawMessage `json:"keyPair"`
		Signature *string         `json:"signature"`
		KeyID     *float64        `json:"keyId"`
	}
	if err := json.Unmarshal(v, &skp); err != nil {
		return errors.New("not a signed key pair object")
	}
	if skp.KeyPair == nil {
		return errors.New("keyPair missing")
	}
	if err := checkKeyPair(skp.KeyPair); err != nil {
		return fmt.Errorf("keyPair: %w", err)
	}
	if skp.Signature == nil {
		return errors.New("signature missing")
	}
	if sig, err := base64.StdEncoding.DecodeString(*skp.Signature); err != nil || len(sig) == 0 {
		return errors.New("signature is not base64")
	}
	if skp.KeyID == nil || *skp.KeyID != math.Trunc(*skp.KeyID) {
		return errors.New("keyId is not an integer")
	}
	return nil
}

func checkContact(v json.RawMessage) error {
	var c struct {
		ID *string `json:"id"`
	}
	if err := json.Unmarshal(v, &c); err != nil {
		return errors.New("not an object")
	}
	if c.ID == nil || *c.ID == "" {
		return errors.New("id missing")
	}
	return nil
}

func checkObject(v json.RawMessage) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(v, &m); err != nil {
		return errors.New("not an object")
	}
	return nil
}

func checkBool(v json.RawMessage) error {
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return errors.New("not a boolean")
	}
	return nil
}

func checkPositiveInt(v json.RawMessage) error {
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		return errors.New("not a number")
	}
	if n != math.Trunc(n) || n <= 0 {
		return errors.New("not a positive integer")
	}
	return nil
}

func checkNonEmptyString(v json.RawMessage) error {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return errors.New("not a string")
	}
	if s == "" {
		return errors.New("empty")
	}
	return nil
}

func decodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("not base64")
	}
	if len(b) != curve25519.ScalarSize {
		return nil, fmt.Errorf("want %d bytes, got %d", curve25519.ScalarSize, len(b))
	}
	return b, nil
}

func base64Std(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
