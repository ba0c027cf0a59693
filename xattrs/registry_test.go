package xattrs

import "testing"

func TestRegistryGetSet(t *testing.T) {
	r := New()
	var stored string
	r.Register("sys.should-cache", Handler{
		Get: func(path string) (string, error) { return stored, nil },
		Set: func(path, value string) error { stored = value; return nil },
	})

	if err := r.Set("/a", "sys.should-cache", "+"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := r.Get("/a", "sys.should-cache")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "+" {
		t.Fatalf("got %q, want +", got)
	}
}

func TestRegistryReadOnly(t *testing.T) {
	r := New()
	r.Register("sys.connected", Handler{
		Get: func(path string) (string, error) { return "1", nil },
	})

	if err := r.Set("/a", "sys.connected", "0"); err != ErrReadOnly {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := r.Remove("/a", "sys.connected"); err != ErrReadOnly {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := New()
	if _, err := r.Get("/a", "sys.nope"); err != ErrUnknown {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}
