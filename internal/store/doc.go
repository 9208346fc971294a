// Package store provides persistence for conversation records.
//
// # Architecture
//
// Store is the single interface the rest of the service depends on. Three
// implementations exist:
//
//   - SQLiteStore: self-hosted table using modernc.org/sqlite (WAL mode,
//     schema created on open). Used for development and single-node installs.
//   - RESTStore: the managed backend's conversations table reached over its
//     PostgREST-style HTTP API. The end user's access token is forwarded so
//     the backend's row-level security does the owner scoping.
//   - MockStore: in-memory, for unit tests.
//
// # Data Model
//
// Conversation mirrors one row of the conversations table:
//
//   - ID, CreatedAt: assigned by the backend
//   - OwnerID, RemoteSessionID, Type: immutable after creation
//   - Status, EndedAt, Metadata: the only mutable fields
//
// EndedAt is set if and only if Status is not active. The SQLite schema
// enforces this with a CHECK constraint.
//
// # Error Handling
//
//   - ErrNotFound: the record does not exist or belongs to another owner
//   - *RemoteStoreError: the managed backend rejected the request
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(t.TempDir()+"/x.db")
// for integration tests with real SQLite.
package store
