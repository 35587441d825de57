package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func TestTestEncryptor_Passphrase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setup     string
		unlock    string
		wantSetup error
		wantErr   error
	}{
		{name: "no setup accepts anything", unlock: "whatever"},
		{name: "matching passphrase", setup: "pw", unlock: "pw"},
		{name: "wrong passphrase", setup: "pw", unlock: "nope", wantErr: ErrWrongPassphrase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewTestEncryptor()
			if tt.setup != "" {
				if err := e.Setup(tt.setup); err != nil {
					t.Fatalf("Setup() error = %v", err)
				}
			}
			_, err := e.Unlock(tt.unlock)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Unlock() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("setup refusals", func(t *testing.T) {
		e := NewTestEncryptor()
		if err := e.Setup(""); !errors.Is(err, ErrEmptyPassphrase) {
			t.Errorf("Setup(\"\") error = %v, want ErrEmptyPassphrase", err)
		}
		if err := e.Setup("pw"); err != nil {
			t.Fatal(err)
		}
		if err := e.Setup("pw2"); !errors.Is(err, ErrAlreadyConfigured) {
			t.Errorf("second Setup() error = %v, want ErrAlreadyConfigured", err)
		}
	})
}

func TestTestEncryptor_EncryptDecrypt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewTestEncryptor()

			var encrypted bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &encrypted); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.HasPrefix(encrypted.Bytes(), testHeader) {
				t.Error("encrypted output does not start with test header")
			}

			ctx, err := e.Unlock("any-passphrase")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var decrypted bytes.Buffer
			if err := ctx.Decrypt(bytes.NewReader(encrypted.Bytes()), &decrypted); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(decrypted.Bytes(), tt.input) {
				t.Errorf("round-trip failed: got %q, want %q", decrypted.Bytes(), tt.input)
			}
		})
	}
}

func TestTestDecryptionContext_BadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"wrong header", []byte("NOT_VALID_HEADER_data")},
		{"truncated header", []byte("CV")},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := (&TestDecryptionContext{}).Decrypt(bytes.NewReader(tt.input), &out); err == nil {
				t.Error("Decrypt() expected error")
			}
		})
	}
}
