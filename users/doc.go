// Package users persists accounts. Rows are managed with gorm so the same
// repository runs on Postgres in production and SQLite in development and tests.
package users
