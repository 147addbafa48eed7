// Package store defines interfaces for persistence dependencies (the run
// progress repository and the record index). Implementations live in other
// packages; this package must not import database drivers or concrete clients.
package store
