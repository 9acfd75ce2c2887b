package testutil

import "testing"

// Given, When, Then and And name nested subtests after the scenario step so
// `go test -run` output reads as the scenario.
func Given(t *testing.T, desc string, fn func(t *testing.T)) { t.Helper(); step(t, "Given", desc, fn) }

func When(t *testing.T, desc string, fn func(t *testing.T)) { t.Helper(); step(t, "When", desc, fn) }

func Then(t *testing.T, desc string, fn func(t *testing.T)) { t.Helper(); step(t, "Then", desc, fn) }

func And(t *testing.T, desc string, fn func(t *testing.T)) { t.Helper(); step(t, "And", desc, fn) }

func step(t *testing.T, keyword, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run(keyword+" "+desc, fn)
}
