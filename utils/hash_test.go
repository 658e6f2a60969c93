package utils

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestContentHash(t *testing.T) {
	got := ContentHash([]byte("hello"))
	if got != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("ContentHash: got %q", got)
	}
	if len(got) != 64 {
		t.Fatalf("hash length: got %d", len(got))
	}
	if ContentHash([]byte("hello")) != got {
		t.Fatal("hash should be stable")
	}
	if ContentHash([]byte("hello!")) == got {
		t.Fatal("different bytes should hash differently")
	}
}

func TestTextContentHashNormalizesWhitespace(t *testing.T) {
	base := TextContentHash("rocket fuel report")
	variants := []string{
		"  rocket   fuel \n\t report ",
		"rocket\nfuel\nreport",
		"rocket fuel report\r\n",
	}
	for _, v := range variants {
		if TextContentHash(v) != base {
			t.Fatalf("whitespace variant %q should hash like the base text", v)
		}
	}
	if TextContentHash("rocket fuel reports") == base {
		t.Fatal("different words should hash differently")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret-passphrase", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("unexpected hash format: %q", hash)
	}
	if !CheckPassword("s3cret-passphrase", hash) {
		t.Fatal("correct password should verify")
	}
	if CheckPassword("wrong-passphrase", hash) {
		t.Fatal("wrong password should not verify")
	}
	if CheckPassword("s3cret-passphrase", "not-a-bcrypt-hash") {
		t.Fatal("malformed hash should not verify")
	}
}

func TestHashPasswordClampsCost(t *testing.T) {
	hash, err := HashPassword("pw", 0)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if cost != bcrypt.DefaultCost {
		t.Fatalf("cost below minimum should fall back to default, got %d", cost)
	}
}

func TestGenerateSecureRandomString(t *testing.T) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	s, err := GenerateSecureRandomString(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandomString: %v", err)
	}
	if len(s) != 32 {
		t.Fatalf("length: got %d", len(s))
	}
	for _, r := range s {
		if !strings.ContainsRune(charset, r) {
			t.Fatalf("character %q outside charset", r)
		}
	}

	other, err := GenerateSecureRandomString(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandomString: %v", err)
	}
	if s == other {
		t.Fatal("two random strings should differ")
	}
}
