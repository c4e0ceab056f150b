// Package store persists watermark checkpoints so a conversation can be
// resumed after a restart.
//
// A Checkpoint records the conversation id, the bound user id, the endpoint
// and the last consumed watermark. Tokens are never stored; resuming obtains
// a fresh session token through a reconnect.
//
// Two implementations are provided:
//
//   - SQLiteStore: modernc.org/sqlite (pure Go) with WAL mode and automatic
//     schema creation.
//   - MemoryStore: in-memory, for tests and for runs with persistence disabled.
package store
