// Package generation is the boundary between the engine and the generative
// language model. It defines the Model capability consumed by the decision
// engine, the step handlers and the autonomous generation cycle; the prompt
// catalogue those callers render; and the defensive parsers that turn
// untrusted model text into validated plans and task proposals.
//
// The Gemini implementation lives in platform/gemini. Retrying wraps any
// Model with bounded, capped exponential backoff for transient failures.
package generation
