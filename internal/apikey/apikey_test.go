package apikey

import (
	"errors"
	"strings"
	"testing"
)

var testParams = Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

func TestHashAndVerify(t *testing.T) {
	encoded, err := Hash("s3cret", testParams)
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	if err := Verify(encoded, "s3cret"); err != nil {
		t.Fatalf("expected key to verify, got %v", err)
	}
	if err := Verify(encoded, "other"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	a, err := Hash("key", testParams)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Hash("key", testParams)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct hashes for the same key")
	}
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	cases := []string{"", "plain", "$bcrypt$v=19$m=1,t=1,p=1$AA$AA", "$argon2id$v=x$m=1,t=1,p=1$AA$AA", "$argon2id$v=19$m=1,t=1,p=1$!!$AA"}
	for _, c := range cases {
		if err := Verify(c, "key"); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("Verify(%q) = %v, want ErrInvalidHash", c, err)
		}
	}
	if err := Verify("$argon2id$v=18$m=1,t=1,p=1$AA$AA", "key"); !errors.Is(err, ErrIncompatibleFormat) {
		t.Fatalf("expected ErrIncompatibleFormat, got %v", err)
	}
}

func TestGenerate(t *testing.T) {
	key, err := Generate(16)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(key))
	}
	if _, err := Hash(" ", testParams); err == nil {
		t.Fatal("expected error for blank key")
	}
}
