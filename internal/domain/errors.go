package domain

import "errors"

// Sentinel errors shared across storage and transport implementations.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrExpired      = errors.New("assessment expired")
)
