// Package directlinetest provides an in-process fake of the Direct Line v3
// service for tests and local end-to-end runs.
//
// The fake issues HS256 session tokens scoped to one conversation, enforces
// that scoping on every activity call, numbers activities with integer
// watermarks and answers each user message with a bot reply. Its clock can be
// advanced to expire tokens, and faults can be queued per operation:
//
//	srv := directlinetest.NewServer(t, directlinetest.Options{})
//	client := srv.NewClient(t)
//	srv.FailNext(directline.OpPoll, http.StatusServiceUnavailable)
//	srv.Advance(31 * time.Minute) // every issued token is now expired
package directlinetest
