// Package services defines the business logic for the activity ledger, the
// broadcast session engine, and fan-out delivery. This file centralizes
// common service-level error values so that they can be consistently returned
// by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing replies is performed at the dispatcher layer.
package services

import "errors"

var (
	// ErrAccessDenied is returned when a member without the required
	// capability invokes a privileged operation (e.g. a non-owner starting a
	// test broadcast while the owner-only gate is on).
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidSessionState is returned when a session operation is invoked
	// outside its valid state (e.g. collecting while no session is open).
	ErrInvalidSessionState = errors.New("invalid session state")

	// ErrNothingToSend is returned when a flush is requested with an empty
	// buffer. The session is left untouched.
	ErrNothingToSend = errors.New("nothing to send")

	// ErrBufferFull is returned when a collect would exceed the configured
	// session buffer cap.
	ErrBufferFull = errors.New("session buffer full")
)
