package util

import "testing"

func TestContainsSuspicious(t *testing.T) {
	cases := map[string]bool{
		"credential stuffing from botnet": false,
		"<img onerror=x>":                 true,
		"${jndi:ldap://x}":                true,
		"OnLoad handler":                  true,
	}
	for in, want := range cases {
		if got := ContainsSuspicious(in); got != want {
			t.Errorf("ContainsSuspicious(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDigitsOnly(t *testing.T) {
	if got := DigitsOnly("+82 (10) 1234-5678"); got != "821012345678" {
		t.Fatalf("unexpected digits %q", got)
	}
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"01012345678": "010****5678",
		"0111234567":  "011***4567",
		"1234567":     "*******",
	}
	for in, want := range cases {
		if got := MaskPhone(in); got != want {
			t.Errorf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}
