// Package storage persists the calendar, user preferences and dedup
// fingerprints.
//
// Drivers:
//   - "sqlite": embedded database file (default), serves everything
//   - "postgres": server database via pgx, serves everything
//
// Dedup fingerprints can live elsewhere (see OpenDedup):
//   - "store": the main database
//   - "file": snapshot + append-only journal
//   - "redis": one key per fingerprint with a TTL
package storage
