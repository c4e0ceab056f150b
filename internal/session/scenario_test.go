// ABOUTME: End-to-end session scenarios against the fake Direct Line service
// ABOUTME: Exercises cold start, token expiry, scoping and checkpoint resume over HTTP

package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-directline/internal/apierr"
	"github.com/2389/coven-directline/internal/directline"
	"github.com/2389/coven-directline/internal/directline/directlinetest"
	"github.com/2389/coven-directline/internal/metrics"
	"github.com/2389/coven-directline/internal/session"
	"github.com/2389/coven-directline/internal/store"
)

func TestScenario_ColdStart(t *testing.T) {
	srv := directlinetest.NewServer(t, directlinetest.Options{Greeting: "Hi, how can I help?"})
	client := srv.NewClient(t)
	ctx := context.Background()

	s, err := session.Start(ctx, client, client, session.Options{
		User:  directline.User{ID: "dl_abc123", Name: "Ada"},
		Clock: srv.Now,
	})
	require.NoError(t, err)

	receipt, err := s.SendMessage(ctx, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)

	activities, err := s.PollNewActivities(ctx)
	require.NoError(t, err)

	var ids []string
	for _, a := range activities {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, receipt.ID, "the sent activity is returned")

	own, others := s.SplitEchoes(activities)
	require.Len(t, own, 1)
	assert.Equal(t, "hello", own[0].Text)
	require.Len(t, others, 2)
	assert.Equal(t, "Hi, how can I help?", others[0].Text)
	assert.Equal(t, "echo: hello", others[1].Text)

	// Nothing is delivered twice.
	again, err := s.PollNewActivities(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, directline.Watermark("3"), s.Watermark())
}

func TestScenario_ExpiredTokenOnSend(t *testing.T) {
	srv := directlinetest.NewServer(t, directlinetest.Options{})
	client := srv.NewClient(t)
	ctx := context.Background()

	s, err := session.Start(ctx, client, client, session.Options{Clock: srv.Now})
	require.NoError(t, err)

	srv.Advance(31 * time.Minute)

	_, err = s.SendMessage(ctx, "are you there?")

	assert.ErrorIs(t, err, apierr.ErrUnauthorized)
	assert.ErrorIs(t, err, apierr.ErrTokenExpired)
	assert.Equal(t, session.StateExpired, s.State())
	assert.Equal(t, 1, srv.Count(directline.OpSend))
	assert.Equal(t, 0, srv.Count(directline.OpRefresh), "a dead token is not sent for refresh")
}

func TestScenario_RefreshKeepsConversation(t *testing.T) {
	srv := directlinetest.NewServer(t, directlinetest.Options{})
	m := metrics.New()
	client := srv.NewClient(t, directline.WithRecorder(m))
	ctx := context.Background()

	s, err := session.Start(ctx, client, client, session.Options{Clock: srv.Now, Observer: m})
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, "before")
	require.NoError(t, err)

	srv.Advance(27 * time.Minute)
	refreshed, err := s.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)

	srv.Advance(10 * time.Minute)
	_, err = s.SendMessage(ctx, "after")
	require.NoError(t, err)

	activities, err := s.PollNewActivities(ctx)
	require.NoError(t, err)
	assert.Len(t, activities, 4)
	assert.Equal(t, 1, srv.Count(directline.OpRefresh))
}

func TestScenario_EnhancedAuth(t *testing.T) {
	srv := directlinetest.NewServer(t, directlinetest.Options{})
	client := srv.NewClient(t)
	ctx := context.Background()

	_, err := session.Start(ctx, client, client, session.Options{
		IdentityToken: "entra-access-token",
		EnhancedAuth:  true,
		User:          directline.User{ID: "user123"},
		Clock:         srv.Now,
	})
	require.ErrorIs(t, err, apierr.ErrConfiguration)
	assert.Equal(t, 0, srv.Count(directline.OpIssue))

	s, err := session.Start(ctx, client, client, session.Options{
		IdentityToken: "entra-access-token",
		EnhancedAuth:  true,
		User:          directline.User{ID: "dl_abc123"},
		Clock:         srv.Now,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"entra-access-token"}, srv.IdentityTokens())

	_, err = s.SendMessage(ctx, "who am i")
	require.NoError(t, err)
	activities, err := s.PollNewActivities(ctx)
	require.NoError(t, err)

	own, _ := s.SplitEchoes(activities)
	require.Len(t, own, 1)
	assert.Equal(t, "dl_abc123", own[0].From.ID)
}

func TestScenario_ResumeFromCheckpoint(t *testing.T) {
	srv := directlinetest.NewServer(t, directlinetest.Options{})
	client := srv.NewClient(t)
	checkpoints := store.NewMemoryStore()
	ctx := context.Background()

	first, err := session.Start(ctx, client, client, session.Options{
		User:         directline.User{ID: "dl_resume"},
		Checkpointer: checkpoints,
		Endpoint:     srv.URL,
		Clock:        srv.Now,
	})
	require.NoError(t, err)
	_, err = first.SendMessage(ctx, "one")
	require.NoError(t, err)
	_, err = first.PollNewActivities(ctx)
	require.NoError(t, err)
	first.Close()

	require.True(t, srv.PostBotMessage(first.ConversationID(), "while you were away"))

	cp, err := checkpoints.LatestCheckpoint(ctx, "dl_resume")
	require.NoError(t, err)
	assert.Equal(t, "2", cp.Watermark)

	resumed, err := session.Resume(ctx, client, client, *cp, session.Options{Checkpointer: checkpoints, Clock: srv.Now})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID(), resumed.ConversationID())

	activities, err := resumed.PollNewActivities(ctx)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "while you were away", activities[0].Text)
}
