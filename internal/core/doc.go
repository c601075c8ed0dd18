// Package core provides the entity resolution and reconciliation engine for
// pendampingan (assistance assignment) imports.
//
// The package contains all domain logic independent of any transport layer.
// It is used by the HTTP server, the CLI and tests without modification.
//
// # Architecture
//
// Components, leaf first:
//
//   - Value normalizer: [SafeString] and [NormalizeScheme] turn raw JSON values
//     into canonical text.
//   - [IdentityResolver]: email-then-name lookup of users, refusing ambiguity.
//   - [AreaResolver]: KPS lookup by code and scheme with fallbacks. Creation is
//     a separate call made by the importer.
//   - [Tracker]: the single-slot carry-forward cursor for blank-ordinal records.
//   - [Importer]: one ordered pass over a record list inside per-record
//     savepoints, committing every BatchSize successes.
//   - [Reconciler]: read-only diff of a record list against stored assignments
//     plus an explicit apply step.
//   - [Service]: run registry with progress fan-out, limits and cancellation.
//
// # Storage
//
// All persistence goes through [Store]. A run acquires one [Session] (one
// database connection) and opens successive transactions ([Tx]) on it. The
// PostgreSQL implementation lives in internal/store/postgres, an in-memory
// implementation with savepoint semantics in internal/store/memory.
//
// # Error Handling
//
// Per-record problems never abort a run. They are recorded as [FailedRecord]
// values tagged with a [Reason]. Only [ErrInvalidSourceFormat] and store
// connection errors are fatal. Technical errors are mapped to user-facing
// messages with support codes by [MapError].
package core
