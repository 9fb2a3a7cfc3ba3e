package logging

import (
	"strings"
	"testing"
)

func TestAnonymizeUserID(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		want   string // prefix expectation; empty means empty result
	}{
		{name: "empty ID", userID: "", want: ""},
		{name: "regular ID", userID: "alice", want: "user:"},
		{name: "uuid style", userID: "7c9e6679-7425-40de-944b-e07fc1f90ae7", want: "user:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnonymizeUserID(tt.userID)
			if tt.want == "" {
				if got != "" {
					t.Errorf("AnonymizeUserID(%q) = %q, want empty", tt.userID, got)
				}
				return
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("AnonymizeUserID(%q) = %q, want prefix %q", tt.userID, got, tt.want)
			}
			if strings.Contains(got, tt.userID) {
				t.Errorf("AnonymizeUserID(%q) leaked the raw identifier", tt.userID)
			}
		})
	}
}

func TestAnonymizeUserIDStable(t *testing.T) {
	a := AnonymizeUserID("alice")
	b := AnonymizeUserID("alice")
	if a != b {
		t.Errorf("AnonymizeUserID not stable: %q vs %q", a, b)
	}
	if AnonymizeUserID("bob") == a {
		t.Error("different users produced the same hash")
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken(""); got != "<empty>" {
		t.Errorf("SanitizeToken(\"\") = %q", got)
	}
	got := SanitizeToken("super-secret-token")
	if strings.Contains(got, "super") {
		t.Errorf("SanitizeToken leaked token content: %q", got)
	}
	if got != "[token:18 chars]" {
		t.Errorf("SanitizeToken = %q, want length indicator", got)
	}
}

func TestErrNil(t *testing.T) {
	attr := Err(nil)
	if attr.Key != "" {
		t.Errorf("Err(nil) should produce an omittable group, got key %q", attr.Key)
	}
}
