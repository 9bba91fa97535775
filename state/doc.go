// Package state provides StateStore implementations for persisting agent
// state between turns and across approval suspensions. The in-memory store
// is the default for tests and demos; the sqlite subpackage provides a
// durable store backed by an embedded database.
package state
