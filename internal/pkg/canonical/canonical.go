// Package canonical implements the deterministic JSON encoding and
// HMAC signing rule of the outbound webhook contract: payloads are
// serialized with object keys sorted and compact separators, the
// signature field is excluded from the signed bytes, and comparisons
// are constant-time.
package canonical

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SignatureField is the payload key excluded from the signed bytes.
const SignatureField = "signature"

// Marshal serializes v deterministically: object keys sorted,
// compact separators, numbers preserved verbatim.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node any
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var buf bytes.Buffer
	if err := write(&buf, node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func write(buf *bytes.Buffer, node any) error {
	switch n := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := write(buf, n[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, el := range n {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// string, json.Number, bool, nil
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of the canonical payload bytes
// with the signature field omitted.
func Sign(secret []byte, payload map[string]any) (string, error) {
	clone := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == SignatureField {
			continue
		}
		clone[k] = v
	}

	b, err := Marshal(clone)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the payload signature and compares it to the
// presented one in constant time. A "sha256=" prefix is accepted.
func Verify(secret []byte, payload map[string]any, signature string) bool {
	want, err := Sign(secret, payload)
	if err != nil {
		return false
	}
	wantBytes, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	gotBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(wantBytes, gotBytes)
}

// VerifyBytes checks a raw-body HMAC, used for inbound backend callbacks
// where the signed bytes are the bytes on the wire.
func VerifyBytes(secret, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// SignBytes computes the hex HMAC-SHA256 of raw bytes.
func SignBytes(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
