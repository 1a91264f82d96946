// Package storage persists the history of finished executions.
//
// Two backends exist: "file" (JSON Lines, compacted in place) and "sqlite"
// (modernc.org/sqlite, pure Go). Job definitions are never stored; they come
// from configuration on every start.
package storage
