package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		kind error
		code int
	}{
		{"invalid params", InvalidParams("prompt is empty"), ErrInvalidParams, CodeInvalidParams},
		{"invalid config", InvalidConfig("model_path is required"), ErrInvalidConfig, CodeInvalidParams},
		{"not ready", NotReady("engine closed"), ErrNotReady, CodeNotReady},
		{"backend", Backend("generate", errors.New("oom")), ErrBackend, CodeBackend},
		{"unimplemented", NotImplemented("generate_async"), ErrNotImplemented, CodeNotImplemented},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.kind) {
				t.Fatalf("errors.Is(%v, %v) = false", tc.err, tc.kind)
			}
			if got := Code(tc.err); got != tc.code {
				t.Fatalf("Code() = %d, want %d", got, tc.code)
			}
		})
	}
}

func TestBackendKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("cuda oom")
	err := Backend("forward", cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped backend error lost its cause")
	}
	if !strings.Contains(err.Error(), "forward") || !strings.Contains(err.Error(), "cuda oom") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	already := NotReady("closing")
	if got := Backend("forward", already); got != already {
		t.Fatal("categorized error should pass through Backend unchanged")
	}
	if Backend("noop", nil) != nil {
		t.Fatal("Backend(nil) should be nil")
	}
}

func TestCodeUnknown(t *testing.T) {
	t.Parallel()
	if got := Code(fmt.Errorf("plain")); got != CodeUnknown {
		t.Fatalf("Code(plain) = %d", got)
	}
	if got := Code(nil); got != CodeOK {
		t.Fatalf("Code(nil) = %d", got)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	run := func() (err error) {
		defer Recover("process_weights", &err)
		panic("bad shard")
	}
	err := run()
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
	if !strings.Contains(err.Error(), "bad shard") {
		t.Fatalf("panic value missing from %q", err.Error())
	}
}

func TestCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{InvalidConfig("x"), "invalid"},
		{NotReady("x"), "not_ready"},
		{Backend("op", errors.New("x")), "backend"},
		{NotImplemented("x"), "unimplemented"},
		{fmt.Errorf("plain"), "unknown"},
	}
	for _, tc := range tests {
		if got := Category(tc.err); got != tc.want {
			t.Fatalf("Category(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
