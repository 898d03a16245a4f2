// Package task defines the queue's domain records, the task and crawler lifecycle
// state machines, and the sentinel errors shared by every storage backend.
//
// The package must not import database drivers.
package task
