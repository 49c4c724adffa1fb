package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const secret = "s3cr3t-s3cr3t-s3cr3t-s3cr3t-0001"

func TestNewStaticTokenRejectsShortSecret(t *testing.T) {
	if _, err := NewStaticToken("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestStaticTokenCheck(t *testing.T) {
	gate, err := NewStaticToken(secret)
	if err != nil {
		t.Fatalf("NewStaticToken: %v", err)
	}

	tests := []struct {
		name string
		tok  string
		want bool
	}{
		{name: "exact", tok: secret, want: true},
		{name: "extra byte", tok: secret + "x", want: false},
		{name: "truncated", tok: secret[:len(secret)-1], want: false},
		{name: "empty", tok: "", want: false},
		{name: "same length last byte differs", tok: secret[:len(secret)-1] + "2", want: false},
		{name: "same length first byte differs", tok: "S" + secret[1:], want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.Check(tt.tok); got != tt.want {
				t.Fatalf("Check(%q) = %v, want %v", tt.tok, got, tt.want)
			}
			_, err := gate.CheckAuthentication(context.Background(), tt.tok)
			if tt.want && err != nil {
				t.Fatalf("CheckAuthentication: %v", err)
			}
			if !tt.want && !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestStaticTokenUserID(t *testing.T) {
	gate, err := NewStaticToken(secret)
	if err != nil {
		t.Fatalf("NewStaticToken: %v", err)
	}
	ui, err := gate.CheckAuthentication(context.Background(), secret)
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.UserID() != StaticTokenUserID {
		t.Fatalf("UserID: got %q", ui.UserID())
	}
}

// TestStaticTokenTimingIsPrefixIndependent compares the cost of rejecting a
// token that differs in its first byte against one that differs in its last.
// The bound is loose; it only catches an early-exit comparison, which would
// make the late-mismatch case many times slower on a long secret.
func TestStaticTokenTimingIsPrefixIndependent(t *testing.T) {
	if testing.Short() {
		t.Skip("timing check skipped in short mode")
	}
	long := strings.Repeat("k", 4096)
	gate, err := NewStaticToken(long)
	if err != nil {
		t.Fatalf("NewStaticToken: %v", err)
	}
	early := "x" + long[1:]
	late := long[:len(long)-1] + "x"

	measure := func(tok string) time.Duration {
		const rounds = 2000
		best := time.Duration(1<<63 - 1)
		for trial := 0; trial < 5; trial++ {
			start := time.Now()
			for i := 0; i < rounds; i++ {
				if gate.Check(tok) {
					t.Fatal("unexpected accept")
				}
			}
			if d := time.Since(start); d < best {
				best = d
			}
		}
		return best
	}

	e, l := measure(early), measure(late)
	ratio := float64(l) / float64(e)
	if ratio > 3 || ratio < 1.0/3 {
		t.Fatalf("rejection cost depends on mismatch position: early=%v late=%v ratio=%.2f", e, l, ratio)
	}
}
