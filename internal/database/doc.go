// Package database provides the PostgreSQL connection pool the snapshot
// recorder writes to.
package database
