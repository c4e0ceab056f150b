// Package schedule runs the caller-owned loops around a session: a poll loop
// with adaptive backoff and an idle timeout, and a refresh loop that calls
// EnsureFresh on a fixed interval.
//
// The session itself never starts goroutines; these loops are where the
// waiting happens. Run starts both and stops both when either ends.
package schedule
