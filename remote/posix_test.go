package remote

import (
	"context"
	"os"
	"testing"
)

func TestPosixWriteReadLstat(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b := NewPosix(root)

	h, err := b.Open(ctx, "/a.txt", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := b.Write(ctx, h, 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if err := b.Close(ctx, h); err != nil {
		t.Fatalf("Close: %s", err)
	}

	attr, err := b.Lstat(ctx, "/a.txt")
	if err != nil {
		t.Fatalf("Lstat: %s", err)
	}
	if attr.Size != 5 {
		t.Fatalf("expected size 5, got %d", attr.Size)
	}
	if attr.Type != TypeFile {
		t.Fatalf("expected TypeFile, got %v", attr.Type)
	}

	h2, err := b.Open(ctx, "/a.txt", os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	data, err := b.Read(ctx, h2, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
	b.Close(ctx, h2)
}

func TestPosixLstatNotFound(t *testing.T) {
	ctx := context.Background()
	b := NewPosix(t.TempDir())
	_, err := b.Lstat(ctx, "/nope")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestPosixUnlinkEnoentIsSuccess(t *testing.T) {
	ctx := context.Background()
	b := NewPosix(t.TempDir())
	if err := b.Unlink(ctx, "/missing"); err != nil {
		t.Fatalf("expected ENOENT-on-unlink to be treated as success, got %v", err)
	}
}

func TestPosixXattrRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewPosix(t.TempDir())
	if err := b.Setxattr(ctx, "/a", "user.tag", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	v, err := b.Getxattr(ctx, "/a", "user.tag")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %q", v)
	}
}
