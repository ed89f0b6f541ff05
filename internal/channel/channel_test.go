package channel

import (
	"errors"
	"strings"
	"testing"
)

func TestCallbackRoundTrip(t *testing.T) {
	promptID := "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	nonce := "00112233445566778899aabbccddeeff"

	data := EncodeCallback(promptID, nonce, "y")
	if len(data) > 64 {
		t.Fatalf("callback data %d bytes, exceeds Telegram's 64-byte cap", len(data))
	}

	shortID, gotNonce, value, err := ParseCallback(data)
	if err != nil {
		t.Fatal(err)
	}
	if shortID != promptID[:ShortIDLen] {
		t.Errorf("shortID = %q", shortID)
	}
	if gotNonce != nonce {
		t.Errorf("nonce = %q", gotNonce)
	}
	if value != "y" {
		t.Errorf("value = %q", value)
	}
}

func TestCallbackEmptyValue(t *testing.T) {
	data := EncodeCallback("abcdefabcdefabcdef", "nonce1", "")
	_, _, value, err := ParseCallback(data)
	if err != nil {
		t.Fatal(err)
	}
	if value != "" {
		t.Errorf("value = %q, want empty", value)
	}
}

func TestParseCallbackRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"too few segments", "aegis:abc:def"},
		{"two segments", "aegis:abc"},
		{"empty", ""},
		{"wrong prefix", "other:abc:def:y"},
		{"empty id", "aegis::nonce:y"},
		{"empty nonce", "aegis:abc::y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := ParseCallback(tt.data); !errors.Is(err, ErrBadCallback) {
				t.Errorf("ParseCallback(%q) err = %v, want ErrBadCallback", tt.data, err)
			}
		})
	}
}

func TestEncodeCallbackShortens(t *testing.T) {
	long := strings.Repeat("f", 64)
	data := EncodeCallback(long, strings.Repeat("0", 32), "1")
	if len(data) > 64 {
		t.Errorf("callback data %d bytes with long prompt id", len(data))
	}
}
