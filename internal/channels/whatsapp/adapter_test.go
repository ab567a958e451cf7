package whatsapp

import (
	"strings"
	"testing"
)

func TestNormalizeTarget(t *testing.T) {
	p := &Plugin{}
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"+15551234567", "15551234567@s.whatsapp.net", true},
		{"15551234567", "15551234567@s.whatsapp.net", true},
		{"whatsapp:+15551234567", "15551234567@s.whatsapp.net", true},
		{"15551234567@s.whatsapp.net", "15551234567@s.whatsapp.net", true},
		{"123456789-987654@g.us", "123456789-987654@g.us", true},
		{"not a number", "", false},
		{"123", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := p.NormalizeTarget(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizeTarget(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMimeOf(t *testing.T) {
	cases := map[string]string{
		"/tmp/a.png":                  "image/png",
		"https://x.test/b.pdf?x=1":    "application/pdf",
		"/tmp/readme":                 "application/octet-stream",
		"/spool/clip.unknown-suffix1": "application/octet-stream",
	}
	for item, want := range cases {
		if got := mimeOf(item); got != want {
			t.Errorf("mimeOf(%q) = %q, want %q", item, got, want)
		}
	}
}

func TestExtForMime(t *testing.T) {
	if got := extForMime("application/x-clawdis-nonesuch", ".bin"); got != ".bin" {
		t.Errorf("fallback ext = %q", got)
	}
	if got := extForMime("image/png", ".jpg"); !strings.HasPrefix(got, ".") {
		t.Errorf("ext = %q", got)
	}
}
