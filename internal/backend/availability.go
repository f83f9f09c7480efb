package backend

import (
	"slices"
	"strings"
)

// Available returns a comma-separated list of registered backends.
func Available() string {
	return strings.Join(Names(), ",")
}

// Has reports whether a backend is registered under name.
func Has(name string) bool {
	return slices.Contains(Names(), strings.ToLower(strings.TrimSpace(name)))
}
