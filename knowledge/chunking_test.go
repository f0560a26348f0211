package knowledge

import (
	"errors"
	"strings"
	"testing"
)

func TestSplitTextWindows(t *testing.T) {
	chunks, err := splitText("abcdefghij", 4, 1)
	if err != nil {
		t.Fatalf("splitText: %v", err)
	}
	want := []string{"abcd", "defg", "ghij"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks %v, want %v", len(chunks), chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestSplitTextShortInput(t *testing.T) {
	chunks, err := splitText("short", 1000, 200)
	if err != nil {
		t.Fatalf("splitText: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("got %v, want the input as a single chunk", chunks)
	}
}

func TestSplitTextDefaults(t *testing.T) {
	text := strings.Repeat("a", 2500)
	chunks, err := splitText(text, 0, 0)
	if err != nil {
		t.Fatalf("splitText: %v", err)
	}
	// Windows advance by 800 (1000-200): [0,1000) [800,1800) [1600,2500).
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != 1000 || len(chunks[1]) != 1000 || len(chunks[2]) != 900 {
		t.Fatalf("chunk lengths = %d/%d/%d, want 1000/1000/900", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestSplitTextOverlapSeam(t *testing.T) {
	text := strings.Repeat("abcdefghij", 30)
	chunks, err := splitText(text, 50, 10)
	if err != nil {
		t.Fatalf("splitText: %v", err)
	}
	for i := 1; i < len(chunks); i++ {
		prevTail := chunks[i-1][len(chunks[i-1])-10:]
		head := chunks[i][:10]
		if prevTail != head {
			t.Errorf("seam %d: previous tail %q != next head %q", i, prevTail, head)
		}
	}

	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0])
	for i := 1; i < len(chunks); i++ {
		rebuilt.WriteString(chunks[i][10:])
	}
	if rebuilt.String() != text {
		t.Error("chunks do not cover the input without loss")
	}
}

func TestSplitTextRuneBoundaries(t *testing.T) {
	text := strings.Repeat("héllo wörld içi ", 20)
	chunks, err := splitText(text, 25, 5)
	if err != nil {
		t.Fatalf("splitText: %v", err)
	}
	for i, chunk := range chunks {
		if !strings.Contains(text, chunk) {
			t.Errorf("chunk %d %q is not a substring of the input", i, chunk)
		}
	}
}

func TestSplitTextDeterministic(t *testing.T) {
	text := strings.Repeat("determinism ", 100)
	first, err := splitText(text, 64, 16)
	if err != nil {
		t.Fatalf("splitText: %v", err)
	}
	second, err := splitText(text, 64, 16)
	if err != nil {
		t.Fatalf("splitText: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between identical runs", i)
		}
	}
}

func TestSplitTextInvalidParameters(t *testing.T) {
	cases := []struct {
		name          string
		size, overlap int
	}{
		{"negative size", -1, 0},
		{"negative overlap", 100, -1},
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 150},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := splitText("some text", tc.size, tc.overlap); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("got %v, want ErrConfiguration", err)
			}
		})
	}
}
