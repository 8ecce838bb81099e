// Package api serves operator requests and the telephony bridge's completion
// callback over HTTP. Operator requests carry a bearer token whose tenant
// scopes every lookup.
package api
