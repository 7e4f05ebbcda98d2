package fingerprint

import (
	"testing"
)

func TestNormalizeDescription(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Uses floating tag `latest`", "uses floating tag latest"},
		{"  Uses   floating\ttag\n latest.  ", "uses floating tag latest"},
		{"**Uses** floating tag \"latest\"!", "uses floating tag latest"},
		{"Container runs as root;", "container runs as root"},
		{"", ""},
		{"   ", ""},
		{"Port 22 is exposed: 0.0.0.0", "port 22 is exposed: 0.0.0.0"},
	}
	for _, tt := range tests {
		if got := NormalizeDescription(tt.in); got != tt.want {
			t.Errorf("NormalizeDescription(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestComputeIsStableAcrossDescriptionNoise(t *testing.T) {
	epoch := ContentEpoch([]byte("FROM foo:latest\n"))
	a := Compute("Dockerfile", "Uses floating tag `latest`", epoch)
	b := Compute("./Dockerfile", "uses  floating tag latest.", epoch)
	if a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("fingerprint length = %d, want 32", len(a))
	}
}

func TestComputeSeparatesPathDescriptionAndEpoch(t *testing.T) {
	base := Compute("Dockerfile", "uses latest", "e1")
	for name, other := range map[string]string{
		"path":        Compute("app/Dockerfile", "uses latest", "e1"),
		"description": Compute("Dockerfile", "runs as root", "e1"),
		"epoch":       Compute("Dockerfile", "uses latest", "e2"),
	} {
		if other == base {
			t.Errorf("changing %s did not change the fingerprint", name)
		}
	}
}

func TestContentEpochIgnoresFormattingAndComments(t *testing.T) {
	a := ContentEpoch([]byte("FROM foo:latest\nRUN make\n"))
	b := ContentEpoch([]byte("# base image\n\n  FROM foo:latest  \n\nRUN make\n// trailing\n"))
	if a != b {
		t.Fatalf("epochs differ after reformatting: %s vs %s", a, b)
	}
	c := ContentEpoch([]byte("FROM foo:1.2.3\nRUN make\n"))
	if a == c {
		t.Fatal("material content change kept the same epoch")
	}
}

func TestContentEpochRevertRestoresEpoch(t *testing.T) {
	original := []byte("FROM foo:latest\n")
	fixed := []byte("FROM foo:1.2.3\n")
	if ContentEpoch(original) == ContentEpoch(fixed) {
		t.Fatal("fix should move the epoch")
	}
	if ContentEpoch(original) != ContentEpoch([]byte("FROM foo:latest\n")) {
		t.Fatal("revert should restore the epoch")
	}
}

func TestFingerprinterModes(t *testing.T) {
	content, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if content.Mode() != ModeContent {
		t.Fatalf("default mode = %s", content.Mode())
	}
	if content.Epoch([]byte("a")) == "" {
		t.Fatal("content mode should produce an epoch")
	}

	none, err := New("NONE")
	if err != nil {
		t.Fatal(err)
	}
	if none.Epoch([]byte("a")) != "" || none.Epoch([]byte("b")) != "" {
		t.Fatal("none mode should ignore content")
	}
	if none.Fingerprint("x.tf", "d", none.Epoch([]byte("a"))) != none.Fingerprint("x.tf", "d", none.Epoch([]byte("b"))) {
		t.Fatal("none mode fingerprints should not depend on content")
	}

	if _, err := New("weekly"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
