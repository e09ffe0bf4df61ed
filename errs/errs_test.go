package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesOpAndCode(t *testing.T) {
	err := New(
		"bus/publish",
		CodeUnavailable,
		WithMessage("inbox full"),
		WithCause(errors.New("channel at capacity")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=bus/publish") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=unavailable") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "message=\"inbox full\"") {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"channel at capacity\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("pool/alloc", CodeExhausted, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := New("bus/waitfor", CodeTimeout, WithMessage("no event within deadline"))
	if !errors.Is(err, New("", CodeTimeout)) {
		t.Fatal("expected code-only sentinel to match")
	}
	if errors.Is(err, New("", CodeClosed)) {
		t.Fatal("did not expect mismatched code to match")
	}
}

func TestCodeOf(t *testing.T) {
	err := New("bus/attach", CodeInvalid)
	if got := CodeOf(err); got != CodeInvalid {
		t.Fatalf("expected invalid_request code, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}
