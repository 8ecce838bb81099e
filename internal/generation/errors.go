package generation

import "errors"

// Common errors returned by the generation package
var (
	// ErrInvalidResponse is returned when the model response cannot be parsed or is malformed
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for temporary errors that might resolve on retry
	ErrTransientFailure = errors.New("transient language model failure")

	// ErrUnparsableOutput is returned when a task list cannot be parsed even
	// after truncation repair. Nothing from such a response may be used.
	ErrUnparsableOutput = errors.New("unparsable model output")

	// ErrInvalidConfig is returned when the model client configuration is invalid
	ErrInvalidConfig = errors.New("invalid model configuration")

	// ErrUnknownPrompt is returned when a prompt name is not in the catalogue
	ErrUnknownPrompt = errors.New("unknown prompt")
)
