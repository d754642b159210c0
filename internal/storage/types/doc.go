// Package types defines the core data model shared across the storage
// engine: samples, time ranges, query plans, and result sets.
package types
