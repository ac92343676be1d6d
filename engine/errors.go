// Package engine holds the few types shared across every engine/*
// subpackage, kept to an irreducible minimum: the invariant-violation
// panic type every per-hart goroutine recovers exactly once.
package engine

import "fmt"

// InvariantViolation is panicked when Miralis detects a state that
// should be unreachable if every other component is correct — a
// policy's integrity check failing, a PMP layout overlap, anything
// that is a bug rather than a guest misbehaving. The per-hart run
// loop recovers it once, logs it, and halts that hart rather than
// letting the panic escape and take down the whole process.
type InvariantViolation struct {
	Component string
	Reason    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Reason)
}

// Raise panics with an *InvariantViolation built from component and
// reason. It never returns.
func Raise(component, reason string) {
	panic(&InvariantViolation{Component: component, Reason: reason})
}
