package xerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(StaleItemState, "node/abc123 modcount advanced")
	if !Is(err, StaleItemState) {
		t.Fatal("expected Is to match StaleItemState")
	}
	if Is(err, NoSuchItemState) {
		t.Fatal("expected Is not to match NoSuchItemState")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("bucket not found")
	err := Wrap(ItemStateIO, "load failed", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find wrapped cause")
	}
	if !Is(err, ItemStateIO) {
		t.Fatal("expected Is to match ItemStateIO")
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("begin: %w", New(ReferentialIntegrity, "dangling reference"))

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("expected KindOf to find the wrapped *Error")
	}
	if kind != ReferentialIntegrity {
		t.Fatalf("got kind %q, want %q", kind, ReferentialIntegrity)
	}
}

func TestKindOfNonMatch(t *testing.T) {
	_, ok := KindOf(errors.New("plain error"))
	if ok {
		t.Fatal("expected KindOf to report false for a plain error")
	}
}

func TestVersionExceptionKind(t *testing.T) {
	err := New(VersionException, "label already assigned")
	if !Is(err, VersionException) {
		t.Fatal("expected Is to match VersionException")
	}
}
