package server

import (
	"context"
	"testing"
	"time"
)

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"8080":  ":8080",
		":9000": ":9000",
	}
	for in, want := range cases {
		if got := normalizeAddr(in); got != want {
			t.Fatalf("normalizeAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(Options{})
	hs := s.newHTTPServer(":0", nil)
	if hs.ReadHeaderTimeout != readHeaderTimeout || hs.IdleTimeout != idleTimeout {
		t.Fatalf("unexpected timeouts: %v %v", hs.ReadHeaderTimeout, hs.IdleTimeout)
	}

	s = New(Options{ReadHeaderTimeout: time.Second, IdleTimeout: 2 * time.Second})
	hs = s.newHTTPServer(":0", nil)
	if hs.ReadHeaderTimeout != time.Second || hs.IdleTimeout != 2*time.Second {
		t.Fatalf("options ignored: %v %v", hs.ReadHeaderTimeout, hs.IdleTimeout)
	}
}

func TestShutdown_BeforeRun(t *testing.T) {
	if err := New(Options{}).Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
