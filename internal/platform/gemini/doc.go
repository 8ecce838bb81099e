// Package gemini implements generation.Model using Google's Gemini API.
//
// The adapter translates a generation.Request into a GenerateContent call:
// conversation turns become user and model contents, JSON requests set the
// response MIME type, and search requests attach the Google Search tool.
// Provider errors are classified so callers can tell transient failures
// (overload, rate limiting, timeouts) from safety refusals and permanent
// errors. Retrying is left to generation.Retrying.
package gemini
