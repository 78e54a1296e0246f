// Package storage is the persistence layer: tasks, working hours, calendar
// connections, and pending conflict requests live in a single SQLite file.
//
// All writes are single-row and atomic; the engine's optimistic
// re-read-before-write discipline relies on that, not on transactions.
package storage
