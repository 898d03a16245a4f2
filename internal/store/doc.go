// Package store defines the persistence contract the queue is built on.
// Implementations live under internal/storage; this package must not import
// database drivers or concrete clients.
package store
