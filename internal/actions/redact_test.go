package actions

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

func TestRedactPIILeavesPlainTextAlone(t *testing.T) {
	input := "Please call back tomorrow morning."
	out, changed := RedactPII(input)
	if changed {
		t.Fatalf("changed = true, want false")
	}
	if out != input {
		t.Fatalf("output = %q, want unchanged input", out)
	}
}

func TestMaskNumberKeepsLastFourDigits(t *testing.T) {
	got := maskNumber("+1 (555) 123-9876")
	if strings.Contains(got, "555") || strings.Contains(got, "123") {
		t.Fatalf("maskNumber() = %q, leading digits not masked", got)
	}
	if !strings.HasSuffix(got, "9876") {
		t.Fatalf("maskNumber() = %q, want last four digits kept", got)
	}
}

func TestMaskNumberShortInput(t *testing.T) {
	if got := maskNumber("911"); got != "911" {
		t.Fatalf("maskNumber(911) = %q, want unchanged", got)
	}
}
