// Package store defines the persistence interfaces of the orchestration
// engine and the helpers shared by their implementations. Business logic
// depends only on these interfaces; internal/platform/postgres and
// internal/store/memory provide the implementations.
package store
