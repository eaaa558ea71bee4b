// Package database provides PostgreSQL connectivity for the shared cache backend.
//
// Agents that run side by side (several devices for the same account, or a
// fleet of headless agents) can keep their session blobs in one PostgreSQL
// table instead of a local file.
package database
