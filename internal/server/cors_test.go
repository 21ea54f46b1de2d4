package server

import "testing"

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		want    string
		wantErr bool
	}{
		{name: "empty", origin: "  ", want: ""},
		{name: "lowercases", origin: "HTTPS://Console.Example.com", want: "https://console.example.com"},
		{name: "keeps port", origin: "http://localhost:3000", want: "http://localhost:3000"},
		{name: "missing scheme", origin: "console.example.com", wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizeOrigin(tc.origin)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("normalizeOrigin(%q) expected error, got %q", tc.origin, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOrigin(%q) returned error: %v", tc.origin, err)
			}
			if got != tc.want {
				t.Fatalf("normalizeOrigin(%q) = %q, want %q", tc.origin, got, tc.want)
			}
		})
	}
}

func TestCORSPolicyAllowsSameOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy returned error: %v", err)
	}
	if !policy.allows("https://media.example.com", "https://media.example.com") {
		t.Fatal("same-origin request should be allowed")
	}
	if policy.allows("https://evil.example.com", "https://media.example.com") {
		t.Fatal("cross-origin request should be rejected without an allow list entry")
	}
}
