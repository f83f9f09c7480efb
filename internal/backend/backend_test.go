package backend_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/keel/internal/backend"
	_ "github.com/samcharles93/keel/internal/backend/fake"
	_ "github.com/samcharles93/keel/internal/backend/reference"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", backend.Reference, false},
		{"auto", backend.Reference, false},
		{" Reference ", backend.Reference, false},
		{"FAKE", backend.Fake, false},
		{"cuda", "", true},
	}
	for _, tc := range tests {
		got, err := backend.Normalize(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("Normalize(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if tc.wantErr && !errors.Is(err, backend.ErrUnknown) {
			t.Fatalf("Normalize(%q) err = %v, want ErrUnknown", tc.in, err)
		}
	}
}

func TestNewAndAvailable(t *testing.T) {
	t.Parallel()

	b, err := backend.New("fake", backend.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != backend.Fake {
		t.Fatalf("Name() = %q", b.Name())
	}
	if !backend.Has("reference") || backend.Has("cuda") {
		t.Fatalf("Has gave wrong answers for %s", backend.Available())
	}
	if got := backend.Available(); !strings.Contains(got, "fake") || !strings.Contains(got, "reference") {
		t.Fatalf("Available() = %q", got)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	backend.Register(backend.Fake, func(backend.Options) (backend.Backend, error) { return nil, nil })
}
