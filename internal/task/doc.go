// Package task drives tasks through their lifecycle. The Poller claims due
// tasks, plans and executes them, and applies the failure policy; the
// Service carries out operator actions such as approval and resume.
package task
