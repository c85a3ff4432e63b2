// Package testutil provides fakes and fixtures shared by package tests:
// an in-memory sink, a scripted fetcher, sample sensor data and helpers
// that start throwaway NATS and PostgreSQL containers for integration
// tests.
package testutil
