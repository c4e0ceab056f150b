// Package dedupe remembers delivered activity ids for a bounded window so a
// session can drop activities it has already handed to the caller.
//
// The cache is passive: expired entries are pruned on access and no
// goroutine is started, so a session that owns one needs no Close.
package dedupe
