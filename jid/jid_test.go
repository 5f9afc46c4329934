package jid

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		local    string
		domain   string
		resource string
		wantErr  bool
	}{
		{input: "alice@example.com", local: "alice", domain: "example.com"},
		{input: "alice@example.com/phone", local: "alice", domain: "example.com", resource: "phone"},
		{input: "example.com", domain: "example.com"},
		{input: "alice@Example.COM", local: "alice", domain: "example.com"},
		{input: "alice@[2001:db8::1]", local: "alice", domain: "[2001:db8::1]"},
		{input: "", wantErr: true},
		{input: "alice@", wantErr: true},
		{input: "/resource", wantErr: true},
	}

	for _, tt := range tests {
		j, err := Parse(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.input, err)
			continue
		}
		if j.Local() != tt.local || j.Domain() != tt.domain || j.Resource() != tt.resource {
			t.Errorf("Parse(%q) = %q/%q/%q, want %q/%q/%q",
				tt.input, j.Local(), j.Domain(), j.Resource(), tt.local, tt.domain, tt.resource)
		}
	}
}

func TestBare(t *testing.T) {
	j := MustParse("alice@example.com/laptop")
	bare := j.Bare()
	if !bare.IsBare() {
		t.Error("Bare() result should have no resource")
	}
	if bare.String() != "alice@example.com" {
		t.Errorf("Bare().String() = %q", bare.String())
	}
}

func TestNormalizeBare(t *testing.T) {
	got, err := NormalizeBare("Alice@EXAMPLE.com/phone")
	if err != nil {
		t.Fatal(err)
	}
	// The localpart is case-sensitive, the domain is not.
	if got != "Alice@example.com" {
		t.Errorf("NormalizeBare = %q", got)
	}

	if _, err := NormalizeBare(""); err == nil {
		t.Error("NormalizeBare(\"\") should fail")
	}
}

func TestEqual(t *testing.T) {
	a := MustParse("alice@example.com")
	b := MustParse("alice@Example.Com")
	if !a.Equal(b) {
		t.Error("domains should compare case-insensitively after parsing")
	}
	if a.Equal(MustParse("bob@example.com")) {
		t.Error("different localparts should not be equal")
	}
}
