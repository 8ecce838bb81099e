package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// It is usually wrapped with a more specific message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when a required identifier is missing or malformed.
	ErrInvalidID = errors.New("invalid ID")

	// ErrEmptyInstruction is returned when a task has no instruction text.
	ErrEmptyInstruction = errors.New("task instruction cannot be empty")

	// ErrInvalidPriority is returned when a priority falls outside 1-4.
	ErrInvalidPriority = errors.New("task priority must be between 1 and 4")

	// ErrInvalidTaskStatus is returned for an unknown task status.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrInvalidAction is returned when a step names an action outside the closed set.
	ErrInvalidAction = errors.New("invalid step action")

	// ErrInvalidChannel is returned for an unknown channel.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrInvalidRecurrence is returned when a recurrence descriptor cannot be scheduled.
	ErrInvalidRecurrence = errors.New("invalid recurrence")

	// ErrInvalidWorkWindow is returned when a working-hour window is malformed.
	ErrInvalidWorkWindow = errors.New("invalid working-hour window")

	// ErrInvalidTransition is returned when a status change is not allowed
	// by the task state machine.
	ErrInvalidTransition = errors.New("invalid task status transition")
)
