package store

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrChallengeNotFound = errors.New("otp challenge not found")
	ErrStatusConflict    = errors.New("ticket status changed concurrently")
	ErrVersionConflict   = errors.New("settings version conflict")
)
