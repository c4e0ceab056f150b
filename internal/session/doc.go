// Package session composes the Direct Line client into a conversation with a
// lifecycle, a watermark cursor and transparent token refresh.
//
// # Lifecycle
//
//	Created --first send/poll--> Active
//	Active  --refresh-->         Active (new token, extended expiry)
//	Active  --refresh refused--> Expired (terminal, start a new session)
//	any     --Close-->           Closed  (terminal, no remote call)
//
// # Refresh
//
// SendMessage and PollNewActivities recover from exactly one stale-token
// failure: they refresh once and retry once. Concurrent refreshes of one
// session collapse into a single network call. EnsureFresh refreshes only
// when the remaining lifetime drops below the margin; the session never
// starts a goroutine, so calling it periodically is the caller's job (see
// the schedule package).
//
// # Watermark
//
// Polls are serialized per session. The watermark is replaced only after a
// successful poll, including polls that return no activities; a poll that
// fails or is cancelled leaves it untouched. With a Checkpointer the new
// watermark is saved so the conversation can be resumed with Resume.
//
// # Enhanced authentication
//
// A session started with an identity token is bound to its user id, which
// must carry the dl_ prefix. Activities from that exact id are the caller's
// own echoes; IsOwnEcho and SplitEchoes never compare display names.
package session
