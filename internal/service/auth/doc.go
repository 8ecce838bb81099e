// Package auth issues and validates the HMAC-signed tokens operators use on
// the HTTP API. A token names the operator and the tenant it acts for.
package auth
