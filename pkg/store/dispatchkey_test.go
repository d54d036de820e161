package store

import "testing"

func TestDispatchKey(t *testing.T) {
	got := DispatchKey("T", "READY", "DOING", 4)
	want := "T:READY->DOING:v4"
	if got != want {
		t.Fatalf("DispatchKey() = %q, want %q", got, want)
	}
}

func TestCanonicalContextMode(t *testing.T) {
	cases := map[string]string{
		"group":    "chat",
		"chat":     "chat",
		"isolated": "isolated",
	}
	for in, want := range cases {
		if got := CanonicalContextMode(in); got != want {
			t.Errorf("CanonicalContextMode(%q) = %q, want %q", in, got, want)
		}
	}
}
