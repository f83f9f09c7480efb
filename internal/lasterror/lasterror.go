// Package lasterror holds the process-wide last-error slot used by the
// handle-based API in internal/capi.
//
// Only one message is retained. Writers from every engine and every goroutine
// share the slot, so a caller that needs the message for a particular failure
// must read it immediately after that call returns.
package lasterror

import "sync"

var (
	mu  sync.Mutex
	msg string
)

// Set replaces the stored message.
func Set(m string) {
	mu.Lock()
	msg = m
	mu.Unlock()
}

// SetError stores err's message. A nil error leaves the slot untouched.
func SetError(err error) {
	if err == nil {
		return
	}
	Set(err.Error())
}

// Get returns the most recent message, or "" if nothing failed yet.
func Get() string {
	mu.Lock()
	defer mu.Unlock()
	return msg
}

// Clear empties the slot.
func Clear() {
	Set("")
}
