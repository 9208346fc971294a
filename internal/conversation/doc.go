// Package conversation manages a user's hosted video conversation records.
//
// # Repository
//
// A Repository is scoped to one owner and wraps a store.Store:
//
//	repo := conversation.NewRepository(store, ownerID, logger)
//
// Key operations:
//
//   - List(ctx): fetch newest-first and refresh the cache
//   - Create(ctx, fields): insert and prepend to the cache
//   - Update(ctx, id, patch): change status, ended_at or metadata
//   - Delete(ctx, id): remove a record
//   - Cached(): the ordered cache without a backend round trip
//
// The cache changes only after the backend confirms a write, so a failed call
// never leaves the cache ahead of the backend. Backend failures surface as
// *apperr.RemoteError and missing records as *apperr.NotFoundError.
//
// # Record Invariants
//
// A record's ended_at is set exactly once and is present iff its status is
// not active. Update rejects patches that would break this with
// ErrInvalidPatch or ErrAlreadyEnded before contacting the backend.
//
// # Event Broadcasting
//
// EventBroadcaster fans session Events out to every subscriber of an owner,
// which is how all of a user's browser tabs follow the same session:
//
//	ch, subID := broadcaster.Subscribe(ctx, ownerID)
//	broadcaster.Publish(ownerID, conversation.NewEvent(conversation.EventSession, ownerID, state), "")
//
// Publishing never blocks; a subscriber with a full buffer misses events.
package conversation
