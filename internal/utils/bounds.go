// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampLimit bounds a requested result-set size to [min, max]. Non-positive
// values fall back to def before clamping.
//
// Example:
//
//	n := utils.ClampLimit(0, 1, 50, 10)   // returns 10
//	n = utils.ClampLimit(999, 1, 50, 10)  // returns 50
//	n = utils.ClampLimit(-3, 1, 50, 10)   // returns 10
func ClampLimit(n, min, max, def int) int {
	if n <= 0 {
		n = def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
