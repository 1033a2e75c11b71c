package sealio

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func testEvidence(issued time.Time) *Evidence {
	return &Evidence{
		Measurement: bytes.Repeat([]byte{0xAA}, 32),
		PlatformID:  []byte("platform-7"),
		IssuedAt:    issued,
	}
}

func TestStaticVerifier_Verify(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	expected := bytes.Repeat([]byte{0xAA}, 32)

	tests := []struct {
		name     string
		verifier *StaticVerifier
		evidence *Evidence
		wantErr  bool
	}{
		{
			name:     "fresh matching evidence",
			verifier: &StaticVerifier{Measurement: expected, MaxAge: time.Hour, Now: clock},
			evidence: testEvidence(now.Add(-time.Minute)),
			wantErr:  false,
		},
		{
			name:     "nil evidence",
			verifier: &StaticVerifier{Measurement: expected, Now: clock},
			evidence: nil,
			wantErr:  true,
		},
		{
			name:     "evidence without measurement",
			verifier: &StaticVerifier{Measurement: expected, Now: clock},
			evidence: &Evidence{PlatformID: []byte("p"), IssuedAt: now},
			wantErr:  true,
		},
		{
			name:     "evidence without platform identity",
			verifier: &StaticVerifier{Measurement: expected, Now: clock},
			evidence: &Evidence{Measurement: expected, IssuedAt: now},
			wantErr:  true,
		},
		{
			name:     "verifier without reference measurement",
			verifier: &StaticVerifier{Now: clock},
			evidence: testEvidence(now),
			wantErr:  true,
		},
		{
			name:     "measurement mismatch",
			verifier: &StaticVerifier{Measurement: bytes.Repeat([]byte{0xBB}, 32), Now: clock},
			evidence: testEvidence(now),
			wantErr:  true,
		},
		{
			name:     "stale evidence",
			verifier: &StaticVerifier{Measurement: expected, MaxAge: time.Minute, Now: clock},
			evidence: testEvidence(now.Add(-2 * time.Minute)),
			wantErr:  true,
		},
		{
			name:     "future-dated evidence",
			verifier: &StaticVerifier{Measurement: expected, MaxAge: time.Hour, Now: clock},
			evidence: testEvidence(now.Add(time.Minute)),
			wantErr:  true,
		},
		{
			name:     "zero max age uses default window",
			verifier: &StaticVerifier{Measurement: expected, Now: clock},
			evidence: testEvidence(now.Add(-DefaultEvidenceMaxAge + time.Second)),
			wantErr:  false,
		},
		{
			name:     "zero max age still expires",
			verifier: &StaticVerifier{Measurement: expected, Now: clock},
			evidence: testEvidence(now.Add(-DefaultEvidenceMaxAge - time.Second)),
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.verifier.Verify(tt.evidence)
			if tt.wantErr && err == nil {
				t.Fatal("expected verification error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected verification error: %v", err)
			}
		})
	}
}

func TestBindEvidence_Deterministic(t *testing.T) {
	entropy := bytes.Repeat([]byte{0x01}, KeySize)
	ev := testEvidence(time.Now())
	att := &AttestationConfig{
		Evidence:            ev,
		ExpectedMeasurement: ev.Measurement,
	}

	k1, err := bindEvidence(entropy, att)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if len(k1) != KeySize {
		t.Fatalf("bound key length = %d, want %d", len(k1), KeySize)
	}

	k2, err := bindEvidence(entropy, att)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("binding the same evidence twice produced different keys")
	}

	// A different platform identity yields a different bound key even when
	// the measurement matches
	other := testEvidence(time.Now())
	other.PlatformID = []byte("platform-8")
	k3, err := bindEvidence(entropy, &AttestationConfig{
		Evidence:            other,
		ExpectedMeasurement: other.Measurement,
	})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("distinct platforms produced the same bound key")
	}
}

func TestBindEvidence_RejectedEvidence(t *testing.T) {
	entropy := bytes.Repeat([]byte{0x01}, KeySize)
	ev := testEvidence(time.Now())

	_, err := bindEvidence(entropy, &AttestationConfig{
		Evidence:            ev,
		ExpectedMeasurement: bytes.Repeat([]byte{0xBB}, 32),
	})
	if !IsKeyInitError(err) {
		t.Fatalf("bind with mismatched measurement = %v, want key init error", err)
	}
	var ke *KeyInitError
	if !errors.As(err, &ke) || ke.Stage != "attestation" {
		t.Fatalf("error = %v, want attestation stage", err)
	}
}

type failingVerifier struct{}

func (failingVerifier) Verify(ev *Evidence) error {
	return errors.New("report signature invalid")
}

func TestBindEvidence_CustomVerifier(t *testing.T) {
	entropy := bytes.Repeat([]byte{0x01}, KeySize)
	ev := testEvidence(time.Now())

	_, err := bindEvidence(entropy, &AttestationConfig{
		Evidence: ev,
		Verifier: failingVerifier{},
	})
	if !IsKeyInitError(err) {
		t.Fatalf("bind with failing verifier = %v, want key init error", err)
	}
}

func TestKeyManager_AttestationBinding(t *testing.T) {
	fixedMasterKey(t)
	ev := testEvidence(time.Now())
	att := &AttestationConfig{
		Evidence:            ev,
		ExpectedMeasurement: ev.Measurement,
	}

	bound := NewKeyManager()
	if err := bound.Initialize(att); err != nil {
		t.Fatalf("attested initialize failed: %v", err)
	}
	defer bound.Wipe()

	plainKM := NewKeyManager()
	if err := plainKM.Initialize(nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer plainKM.Wipe()

	k1, err := bound.DeriveFileKey("/models/m1.pt")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	defer k1.Release()
	k2, err := plainKM.DeriveFileKey("/models/m1.pt")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	defer k2.Release()

	if bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Fatal("attestation binding did not change the master key")
	}

	// Binding is reproducible for the same evidence
	rebound := NewKeyManager()
	if err := rebound.Initialize(att); err != nil {
		t.Fatalf("attested initialize failed: %v", err)
	}
	defer rebound.Wipe()
	k3, err := rebound.DeriveFileKey("/models/m1.pt")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	defer k3.Release()
	if !bytes.Equal(k1.Bytes(), k3.Bytes()) {
		t.Fatal("rebinding the same evidence produced a different key")
	}
}

func TestKeyManager_AttestationFailureLeavesUninitialized(t *testing.T) {
	fixedMasterKey(t)
	ev := testEvidence(time.Now().Add(-24 * time.Hour))

	km := NewKeyManager()
	err := km.Initialize(&AttestationConfig{
		Evidence:            ev,
		ExpectedMeasurement: ev.Measurement,
	})
	if !IsKeyInitError(err) {
		t.Fatalf("initialize with stale evidence = %v, want key init error", err)
	}
	if km.Initialized() {
		t.Fatal("manager initialized despite rejected evidence")
	}
}
