// Package storage persists the set of listing URLs that have already been seen.
//
// A Store answers one question per URL: was it newly inserted, or was it
// already present? Records never expire. Drivers:
//   - "sqlite": a single unique-key table (default)
//   - "file": an append-only JSON Lines journal replayed at open; handles
//     on the same path within a process share one in-memory set
//   - "postgres": the same table on a shared PostgreSQL server
//   - "redis": a Redis set, for several hosts sharing one history
package storage
