// Package database manages the GORM connection pool for the SQL archive
// backend: pool sizing, background health checks, and transaction retry
// with exponential backoff for transient failures such as deadlocks and
// serialization conflicts.
package database
