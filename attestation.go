package sealio

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// bindingInfo domain-separates the master key derivation from any other use
// of the same HKDF inputs
var bindingInfo = []byte("sealio master key v1")

// Evidence is a hardware attestation report supplied by the platform
// collaborator. The exchange protocol that produces it is out of scope;
// key initialization consumes only the verified measurement and platform
// identity.
type Evidence struct {
	// Measurement is the platform launch digest
	Measurement []byte

	// PlatformID identifies the chip or session the report was minted for
	PlatformID []byte

	// IssuedAt is when the platform produced the report
	IssuedAt time.Time

	// Report is the raw signed report, retained for external verifiers
	Report []byte
}

// Verifier validates attestation evidence before it may bind a master key
type Verifier interface {
	// Verify returns nil only for evidence that is fresh and matches the
	// expected reference values
	Verify(ev *Evidence) error
}

// StaticVerifier checks evidence freshness and measurement equality against
// fixed reference values. Validating the report signature itself is the job
// of the platform verifier that handed the evidence over.
type StaticVerifier struct {
	// Measurement is the expected launch digest
	Measurement []byte

	// MaxAge bounds report freshness. If 0, DefaultEvidenceMaxAge.
	MaxAge time.Duration

	// Now overrides the clock in tests. If nil, time.Now.
	Now func() time.Time
}

// Verify checks the evidence against the verifier's reference values
func (v *StaticVerifier) Verify(ev *Evidence) error {
	if ev == nil {
		return errors.New("no evidence supplied")
	}
	if len(ev.Measurement) == 0 {
		return errors.New("evidence carries no measurement")
	}
	if len(ev.PlatformID) == 0 {
		return errors.New("evidence carries no platform identity")
	}
	if len(v.Measurement) == 0 {
		return errors.New("verifier has no expected measurement")
	}
	if !bytes.Equal(ev.Measurement, v.Measurement) {
		return errors.New("measurement does not match expected reference value")
	}

	maxAge := v.MaxAge
	if maxAge == 0 {
		maxAge = DefaultEvidenceMaxAge
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	age := now().Sub(ev.IssuedAt)
	if age < 0 || age > maxAge {
		return fmt.Errorf("evidence is stale: issued %s ago, limit %s", age, maxAge)
	}

	return nil
}

// bindEvidence verifies the configured evidence and derives the bound master
// key: HKDF-SHA256 keyed by the local entropy, salted with the measurement,
// expanded over the platform identity. The result is reproducible only with
// the same entropy on the attested platform instance.
func bindEvidence(entropy []byte, att *AttestationConfig) ([]byte, error) {
	verifier := att.Verifier
	if verifier == nil {
		verifier = &StaticVerifier{
			Measurement: att.ExpectedMeasurement,
			MaxAge:      att.MaxEvidenceAge,
		}
	}
	if err := verifier.Verify(att.Evidence); err != nil {
		return nil, NewKeyInitError("attestation", err)
	}

	info := make([]byte, 0, len(bindingInfo)+len(att.Evidence.PlatformID))
	info = append(info, bindingInfo...)
	info = append(info, att.Evidence.PlatformID...)

	r := hkdf.New(sha256.New, entropy, att.Evidence.Measurement, info)
	bound := make([]byte, KeySize)
	if _, err := io.ReadFull(r, bound); err != nil {
		return nil, NewKeyInitError("binding", err)
	}
	return bound, nil
}
