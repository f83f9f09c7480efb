package lasterror

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestSetGet(t *testing.T) {
	Clear()
	if got := Get(); got != "" {
		t.Fatalf("Get() after Clear = %q, want empty", got)
	}

	Set("first")
	SetError(fmt.Errorf("second %d", 2))
	if got := Get(); got != "second 2" {
		t.Fatalf("Get() = %q, want last write", got)
	}

	SetError(nil)
	if got := Get(); got != "second 2" {
		t.Fatalf("SetError(nil) overwrote slot: %q", got)
	}
	SetError(fmt.Errorf("boom"))
	if got := Get(); got != "boom" {
		t.Fatalf("Get() = %q, want boom", got)
	}
}

func TestConcurrentWritersLastWriteWins(t *testing.T) {
	Clear()
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Set(fmt.Sprintf("writer-%d", i))
			_ = Get()
		}()
	}
	wg.Wait()

	got := Get()
	if !strings.HasPrefix(got, "writer-") {
		t.Fatalf("Get() = %q, want one of the writers' messages", got)
	}
}
