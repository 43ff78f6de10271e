// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package pointer provides helpers for creating pointers to literal values
// and safely dereferencing pointers that may be nil.
package pointer

// Of returns a pointer to a.
func Of[A any](a A) *A {
	return &a
}

// Copy returns a new pointer to a.
func Copy[A any](a *A) *A {
	if a == nil {
		return nil
	}
	na := *a
	return &na
}

// Deref returns the value pointed to by a, or the zero value if a is nil.
func Deref[A any](a *A) A {
	if a == nil {
		var zero A
		return zero
	}
	return *a
}
