package util

import "testing"

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/peer", "data"); got != "/peer/data" {
		t.Errorf("relative: got %q", got)
	}
	if got := ResolvePath("/peer", "/var/lib/voxlink"); got != "/var/lib/voxlink" {
		t.Errorf("absolute should override base: got %q", got)
	}
}

func TestValidateParticipantID(t *testing.T) {
	if _, err := ValidateParticipantID("alice-42"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
	if got, err := ValidateParticipantID("  trimmed  "); err != nil || got != "trimmed" {
		t.Errorf("whitespace not trimmed: %q, %v", got, err)
	}
	for _, bad := range []string{"", "   ", "a/b", "a\\b", "a b", "a..b"} {
		if _, err := ValidateParticipantID(bad); err == nil {
			t.Errorf("id %q passed validation", bad)
		}
	}
}

func TestClamp01(t *testing.T) {
	if Clamp01(-0.5) != 0 || Clamp01(1.5) != 1 || Clamp01(0.25) != 0.25 {
		t.Error("clamp misbehaves")
	}
}
