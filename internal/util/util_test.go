package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateUserID(t *testing.T) {
	ok := map[string]string{
		"alice":          "alice",
		"  b1 ":          "b1",
		"google-oauth|7": "google-oauth|7",
	}
	for in, want := range ok {
		got, err := ValidateUserID(in)
		if err != nil || got != want {
			t.Fatalf("ValidateUserID(%q) = %q, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "   ", "a b", "a,b", strings.Repeat("x", 129)} {
		if _, err := ValidateUserID(in); err == nil {
			t.Fatalf("ValidateUserID(%q) should fail", in)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"":                        "",
		"relay.example:8787":      "http://relay.example:8787",
		"https://relay.example//": "https://relay.example",
		" http://127.0.0.1:1/ ":   "http://127.0.0.1:1",
	}
	for in, want := range cases {
		if got := NormalizeURL(in); got != want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/srv/relay", "data/relay.db"); got != filepath.Join("/srv/relay", "data/relay.db") {
		t.Fatalf("relative: %q", got)
	}
	if got := ResolvePath("/srv/relay", "/var/lib/relay.db"); got != "/var/lib/relay.db" {
		t.Fatalf("absolute: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("hi", 50); got != "hi" {
		t.Fatalf("short input changed: %q", got)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	if err := WriteJSONFile(path, map[string]int{"port": 8787}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["port"] != 8787 {
		t.Fatalf("unexpected content %s", b)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}
	if rb.Len() != 3 {
		t.Fatalf("Len = %d", rb.Len())
	}
	snap := rb.Snapshot()
	if len(snap) != 3 || snap[0] != 3 || snap[2] != 5 {
		t.Fatalf("Snapshot = %v", snap)
	}
	even := rb.Filter(func(v int) bool { return v%2 == 0 })
	if len(even) != 1 || even[0] != 4 {
		t.Fatalf("Filter = %v", even)
	}
	if NewRingBuffer[string](0).Len() != 0 {
		t.Fatal("empty buffer not empty")
	}
}
