// Package directline is a client for the Bot Framework Direct Line v3 REST API.
//
// # Overview
//
// A Client plays two roles:
//
//   - SessionTokenIssuer: Issue, GenerateToken, Refresh and Reconnect exchange a
//     secret, an identity token or a session token for a SessionToken bound to
//     exactly one conversation.
//   - ActivityChannel: Send posts a message activity and Poll retrieves the
//     activities after a watermark.
//
// The client keeps no conversation state. Watermarks, token replacement and the
// refresh-and-retry rule live in the session package.
//
// # Endpoints
//
//	POST /v3/directline/conversations                  Issue
//	POST /v3/directline/tokens/generate                GenerateToken
//	POST /v3/directline/tokens/refresh                 Refresh
//	GET  /v3/directline/conversations/{id}?watermark=  Reconnect
//	POST /v3/directline/conversations/{id}/activities  Send
//	GET  /v3/directline/conversations/{id}/activities  Poll
//
// # Network boundary
//
// Every request passes through a RetryPolicy (single attempt by default), an
// optional rate limiter and an optional Recorder:
//
//	client, err := directline.New(secret,
//	    directline.WithEndpoint(directline.EndpointEurope),
//	    directline.WithRetryPolicy(directline.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}),
//	)
//
// Failures are *apierr.Error values; match them with errors.Is against the
// apierr sentinels. Token values are never logged.
package directline
