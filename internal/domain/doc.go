// Package domain contains the core business entities of the orchestration
// engine: tasks and their execution plans, tenant autonomy settings, the
// append-only activity log, permanent blocks, contacts and the channel
// tracking records. It is independent of storage and delivery mechanisms.
package domain
