package canonical

import (
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	a := map[string]any{
		"zeta":  1,
		"alpha": "x",
		"nested": map[string]any{
			"b": true,
			"a": []any{3, 2, 1},
		},
	}
	b := map[string]any{
		"nested": map[string]any{
			"a": []any{3, 2, 1},
			"b": true,
		},
		"alpha": "x",
		"zeta":  1,
	}

	ab, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	bb, err := Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if string(ab) != string(bb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ab, bb)
	}

	want := `{"alpha":"x","nested":{"a":[3,2,1],"b":true},"zeta":1}`
	if string(ab) != want {
		t.Errorf("got %s, want %s", ab, want)
	}
}

func TestMarshalPreservesNumbers(t *testing.T) {
	payload := map[string]any{
		"cost_usd": 0.1,
		"units":    12000,
	}
	b, err := Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"cost_usd":0.1,"units":12000}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestSignExcludesSignatureField(t *testing.T) {
	secret := []byte("whsec_test")
	payload := map[string]any{
		"event":         "generation.completed",
		"generation_id": "01J0000000000000000000TEST",
		"status":        "completed",
	}

	sig, err := Sign(secret, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	payload[SignatureField] = sig
	resigned, err := Sign(secret, payload)
	if err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if sig != resigned {
		t.Error("signature changed after embedding itself in the payload")
	}
}

func TestVerify(t *testing.T) {
	secret := []byte("whsec_test")
	payload := map[string]any{
		"event":  "generation.completed",
		"status": "completed",
	}
	sig, err := Sign(secret, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	t.Run("plain hex", func(t *testing.T) {
		if !Verify(secret, payload, sig) {
			t.Error("expected valid signature")
		}
	})

	t.Run("sha256 prefix", func(t *testing.T) {
		if !Verify(secret, payload, "sha256="+sig) {
			t.Error("expected valid signature with prefix")
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		tampered := map[string]any{
			"event":  "generation.completed",
			"status": "failed",
		}
		if Verify(secret, tampered, sig) {
			t.Error("expected tampered payload to fail verification")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if Verify([]byte("other"), payload, sig) {
			t.Error("expected wrong secret to fail verification")
		}
	})

	t.Run("garbage signature", func(t *testing.T) {
		if Verify(secret, payload, "not-hex") {
			t.Error("expected malformed signature to fail verification")
		}
	})
}

func TestVerifyBytes(t *testing.T) {
	secret := []byte("cbsec_test")
	body := []byte(`{"job_id":"job-123","status":"succeeded"}`)

	sig := SignBytes(secret, body)
	if !VerifyBytes(secret, body, sig) {
		t.Error("expected valid raw-body signature")
	}
	if !VerifyBytes(secret, body, "sha256="+sig) {
		t.Error("expected valid raw-body signature with prefix")
	}
	if VerifyBytes(secret, append(body, ' '), sig) {
		t.Error("expected modified body to fail verification")
	}
}
