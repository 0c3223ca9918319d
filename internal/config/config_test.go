package config

import (
	"strings"
	"testing"
)

func TestParseOverridesOnlyGivenKeys(t *testing.T) {
	const text = `
# comment
repository_host = repo.example.com
repository_port = 7000
restrict_delete = true
`
	c, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.RepositoryHost != "repo.example.com" {
		t.Fatalf("RepositoryHost = %q", c.RepositoryHost)
	}
	if c.RepositoryPort != 7000 {
		t.Fatalf("RepositoryPort = %d", c.RepositoryPort)
	}
	if !c.RestrictDelete {
		t.Fatalf("RestrictDelete = false, want true")
	}
	// unreferenced keys keep their defaults
	if c.Realm != Default().Realm {
		t.Fatalf("Realm = %q, want default %q", c.Realm, Default().Realm)
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	if _, err := Parse(strings.NewReader("bogus_key = 1\n")); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	if _, err := Parse(strings.NewReader("not a key value line\n")); err == nil {
		t.Fatalf("expected error for malformed line")
	}
}
