package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIHealthNumber(t *testing.T) {
	out, changed := RedactPII("My PHN: 9876 543 210 if you need it.")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if !strings.Contains(out, "[REDACTED_HEALTH_NUMBER]") {
		t.Fatalf("output missing health number marker: %q", out)
	}

	out, changed = RedactPII("Her health card number is 123-456-789.")
	if !changed || !strings.Contains(out, "[REDACTED_HEALTH_NUMBER]") {
		t.Fatalf("health card phrasing not redacted: %q", out)
	}
}

func TestRedactPIILeavesCleanTextAlone(t *testing.T) {
	in := "The pain started two days ago and gets worse at night."
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("clean text altered: %q", out)
	}
}
