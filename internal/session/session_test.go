// ABOUTME: Tests for the session state machine against stub issuers and channels
// ABOUTME: Covers refresh-and-retry, single-flight refresh, watermarks and echoes

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-directline/internal/apierr"
	"github.com/2389/coven-directline/internal/dedupe"
	"github.com/2389/coven-directline/internal/directline"
	"github.com/2389/coven-directline/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubIssuer issues numbered tokens for conversation "conv-1".
type stubIssuer struct {
	clock      *testClock
	issues     atomic.Int32
	refreshes  atomic.Int32
	reconnects atomic.Int32
	lastIssue  directline.IssueRequest
	refreshErr error
	// gate, when set, blocks Refresh until closed.
	gate    chan struct{}
	entered chan struct{}
}

func (s *stubIssuer) token(n int32) directline.SessionToken {
	return directline.SessionToken{
		Token:          "token-" + string(rune('0'+n)),
		ConversationID: "conv-1",
		ExpiresIn:      30 * time.Minute,
		IssuedAt:       s.clock.Now(),
	}
}

func (s *stubIssuer) Issue(_ context.Context, req directline.IssueRequest) (directline.SessionToken, error) {
	s.lastIssue = req
	return s.token(s.issues.Add(1)), nil
}

func (s *stubIssuer) Refresh(_ context.Context, tok directline.SessionToken) (directline.SessionToken, error) {
	n := s.refreshes.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.refreshErr != nil {
		return directline.SessionToken{}, s.refreshErr
	}
	return s.token(n + 4), nil
}

func (s *stubIssuer) Reconnect(_ context.Context, conversationID string, _ directline.Watermark) (directline.SessionToken, error) {
	s.reconnects.Add(1)
	tok := s.token(9)
	tok.ConversationID = conversationID
	return tok, nil
}

type pollCall struct {
	token     string
	watermark directline.Watermark
}

// stubChannel returns queued poll results and fails with queued errors.
type stubChannel struct {
	mu        sync.Mutex
	sends     []string // tokens used
	polls     []pollCall
	sets      []directline.ActivitySet
	sendErrs  []error
	pollErrs  []error
	receiptID string
}

func (c *stubChannel) Send(_ context.Context, _ string, tok directline.SessionToken, _ directline.Outgoing) (directline.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, tok.Token)
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return directline.Receipt{}, err
		}
	}
	id := c.receiptID
	if id == "" {
		id = "conv-1|0000001"
	}
	return directline.Receipt{ID: id}, nil
}

func (c *stubChannel) Poll(ctx context.Context, _ string, tok directline.SessionToken, wm directline.Watermark) (directline.ActivitySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls = append(c.polls, pollCall{token: tok.Token, watermark: wm})
	if err := ctx.Err(); err != nil {
		return directline.ActivitySet{}, apierr.Wrap(apierr.KindNetwork, directline.OpPoll, err)
	}
	if len(c.pollErrs) > 0 {
		err := c.pollErrs[0]
		c.pollErrs = c.pollErrs[1:]
		if err != nil {
			return directline.ActivitySet{}, err
		}
	}
	if len(c.sets) == 0 {
		return directline.ActivitySet{}, nil
	}
	set := c.sets[0]
	c.sets = c.sets[1:]
	return set, nil
}

type fakeObserver struct {
	mu         sync.Mutex
	refreshes  []string
	advances   int
	activities []string
	mismatches int
}

func (o *fakeObserver) ObserveRefresh(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshes = append(o.refreshes, result)
}

func (o *fakeObserver) ObserveWatermarkAdvance() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.advances++
}

func (o *fakeObserver) ObserveActivity(t string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activities = append(o.activities, t)
}

func (o *fakeObserver) ObserveSenderMismatch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mismatches++
}

type failingCheckpointer struct{ calls atomic.Int32 }

func (f *failingCheckpointer) SaveCheckpoint(context.Context, *store.Checkpoint) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func unauthorized(op string) error {
	return &apierr.Error{Kind: apierr.KindUnauthorized, Op: op, Status: 401}
}

func startTest(t *testing.T, opts Options) (*Session, *stubIssuer, *stubChannel, *testClock) {
	t.Helper()
	clk := newTestClock()
	issuer := &stubIssuer{clock: clk}
	channel := &stubChannel{}
	opts.Clock = clk.Now
	s, err := Start(context.Background(), issuer, channel, opts)
	require.NoError(t, err)
	return s, issuer, channel, clk
}

func message(id, from, name string) directline.Activity {
	return directline.Activity{ID: id, Type: directline.TypeMessage, From: directline.User{ID: from, Name: name}}
}

func TestStart_Anonymous(t *testing.T) {
	s, issuer, _, _ := startTest(t, Options{})

	assert.Equal(t, "conv-1", s.ConversationID())
	assert.Equal(t, StateCreated, s.State())
	assert.False(t, s.Enhanced())
	assert.NoError(t, directline.ValidateUserID(s.User().ID), "generated user id carries the prefix")
	assert.Empty(t, issuer.lastIssue.IdentityToken)
	assert.Equal(t, s.User().ID, issuer.lastIssue.User.ID)
	assert.Equal(t, directline.Watermark(""), s.Watermark())
}

func TestStart_EnhancedAuthRejectsUnprefixedUserID(t *testing.T) {
	clk := newTestClock()
	issuer := &stubIssuer{clock: clk}

	_, err := Start(context.Background(), issuer, &stubChannel{}, Options{
		IdentityToken: "id-token",
		EnhancedAuth:  true,
		User:          directline.User{ID: "user123"},
		Clock:         clk.Now,
	})

	assert.ErrorIs(t, err, apierr.ErrConfiguration)
	assert.Equal(t, int32(0), issuer.issues.Load(), "no issuance may be attempted")
}

func TestStart_IdentityTokenImpliesEnhanced(t *testing.T) {
	clk := newTestClock()
	issuer := &stubIssuer{clock: clk}

	_, err := Start(context.Background(), issuer, &stubChannel{}, Options{
		IdentityToken: "id-token",
		User:          directline.User{ID: "user123"},
		Clock:         clk.Now,
	})

	assert.ErrorIs(t, err, apierr.ErrConfiguration)
	assert.Equal(t, int32(0), issuer.issues.Load())
}

func TestStart_AllowUnprefixedStillPresentsIdentityToken(t *testing.T) {
	s, issuer, _, _ := startTest(t, Options{
		IdentityToken:         "id-token",
		EnhancedAuth:          true,
		AllowUnprefixedUserID: true,
		User:                  directline.User{ID: "user123"},
	})

	assert.True(t, s.Enhanced())
	assert.Equal(t, "id-token", issuer.lastIssue.IdentityToken, "enhanced auth is never silently dropped")
	assert.Equal(t, "user123", issuer.lastIssue.User.ID)
}

func TestStart_EnhancedAuthRequiresIdentityToken(t *testing.T) {
	clk := newTestClock()
	issuer := &stubIssuer{clock: clk}

	_, err := Start(context.Background(), issuer, &stubChannel{}, Options{
		EnhancedAuth: true,
		User:         directline.User{ID: "dl_abc123"},
	})

	assert.ErrorIs(t, err, apierr.ErrConfiguration)
	assert.Equal(t, int32(0), issuer.issues.Load())
}

func TestSendMessage(t *testing.T) {
	s, _, channel, _ := startTest(t, Options{})

	receipt, err := s.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, []string{"token-1"}, channel.sends)
}

func TestSendMessage_EmptyText(t *testing.T) {
	s, _, channel, _ := startTest(t, Options{})

	_, err := s.SendMessage(context.Background(), "  ")
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
	assert.Empty(t, channel.sends)
}

func TestSendMessage_RefreshesOnceOnUnauthorized(t *testing.T) {
	s, issuer, channel, _ := startTest(t, Options{})
	channel.sendErrs = []error{unauthorized(directline.OpSend)}

	_, err := s.SendMessage(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, int32(1), issuer.refreshes.Load())
	assert.Equal(t, []string{"token-1", "token-5"}, channel.sends)
	assert.Equal(t, StateActive, s.State())
}

func TestSendMessage_SecondUnauthorizedIsSurfaced(t *testing.T) {
	s, issuer, channel, _ := startTest(t, Options{})
	channel.sendErrs = []error{unauthorized(directline.OpSend), unauthorized(directline.OpSend)}

	_, err := s.SendMessage(context.Background(), "hello")

	assert.ErrorIs(t, err, apierr.ErrUnauthorized)
	assert.Equal(t, int32(1), issuer.refreshes.Load(), "exactly one refresh attempt")
	assert.Len(t, channel.sends, 2)
}

func TestSendMessage_ExpiredTokenExpiresSession(t *testing.T) {
	s, issuer, channel, clk := startTest(t, Options{})
	observer := &fakeObserver{}
	s.opts.Observer = observer

	clk.Advance(31 * time.Minute)
	channel.sendErrs = []error{unauthorized(directline.OpSend)}
	issuer.refreshErr = apierr.New(apierr.KindTokenExpired, directline.OpRefresh, "token is past expiry")

	_, err := s.SendMessage(context.Background(), "late")

	assert.ErrorIs(t, err, apierr.ErrUnauthorized, "the original send error is surfaced")
	assert.ErrorIs(t, err, apierr.ErrTokenExpired, "the refresh error is surfaced")
	assert.Equal(t, StateExpired, s.State())
	assert.Equal(t, int32(1), issuer.refreshes.Load())
	assert.Equal(t, []string{refreshExpired}, observer.refreshes)

	_, err = s.SendMessage(context.Background(), "again")
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = s.PollNewActivities(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Len(t, channel.sends, 1, "no calls after expiry")
}

func TestSendMessage_TransientRefreshFailureKeepsSession(t *testing.T) {
	s, issuer, channel, _ := startTest(t, Options{})
	channel.sendErrs = []error{unauthorized(directline.OpSend)}
	issuer.refreshErr = apierr.New(apierr.KindServiceUnavailable, directline.OpRefresh, "busy")

	_, err := s.SendMessage(context.Background(), "hello")

	assert.ErrorIs(t, err, apierr.ErrServiceUnavailable)
	assert.NotEqual(t, StateExpired, s.State())
}

func TestPoll_TransientRefreshFailureStaysTransient(t *testing.T) {
	s, issuer, channel, _ := startTest(t, Options{})
	channel.pollErrs = []error{unauthorized(directline.OpPoll)}
	issuer.refreshErr = apierr.New(apierr.KindNetwork, directline.OpRefresh, "connection reset")

	_, err := s.PollNewActivities(context.Background())

	require.Error(t, err)
	assert.Equal(t, apierr.KindNetwork, apierr.KindOf(err))
	assert.True(t, apierr.IsTransient(err), "a network blip during refresh can be retried")
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)
	assert.ErrorIs(t, err, apierr.ErrNetwork)
	assert.Equal(t, StateCreated, s.State())
	assert.Equal(t, directline.Watermark(""), s.Watermark())
}

func TestSendMessage_ExpiredRefreshReportsTokenExpired(t *testing.T) {
	s, issuer, channel, _ := startTest(t, Options{})
	channel.sendErrs = []error{unauthorized(directline.OpSend)}
	issuer.refreshErr = apierr.New(apierr.KindTokenExpired, directline.OpRefresh, "token is past expiry")

	_, err := s.SendMessage(context.Background(), "late")

	assert.Equal(t, apierr.KindTokenExpired, apierr.KindOf(err))
	assert.False(t, apierr.IsTransient(err))
}

func TestSendMessage_NonAuthErrorsAreNotRetried(t *testing.T) {
	s, issuer, channel, _ := startTest(t, Options{})
	channel.sendErrs = []error{apierr.New(apierr.KindConversationNotFound, directline.OpSend, "gone")}

	_, err := s.SendMessage(context.Background(), "hello")

	assert.ErrorIs(t, err, apierr.ErrConversationNotFound)
	assert.Equal(t, int32(0), issuer.refreshes.Load())
	assert.Len(t, channel.sends, 1)
}

func TestPoll_EmptyBatchStillAdvancesWatermark(t *testing.T) {
	s, _, channel, _ := startTest(t, Options{})
	channel.sets = []directline.ActivitySet{
		{Activities: []directline.Activity{message("a", "bot", "Bot")}, Watermark: "5"},
		{Watermark: "7"},
		{},
	}
	ctx := context.Background()

	_, err := s.PollNewActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, directline.Watermark("5"), s.Watermark())

	got, err := s.PollNewActivities(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, directline.Watermark("7"), s.Watermark())

	// An absent watermark leaves the cursor alone.
	_, err = s.PollNewActivities(ctx)
	require.NoError(t, err)
	assert.Equal(t, directline.Watermark("7"), s.Watermark())

	_, err = s.PollNewActivities(ctx)
	require.NoError(t, err)

	var passed []directline.Watermark
	for _, p := range channel.polls {
		passed = append(passed, p.watermark)
	}
	assert.Equal(t, []directline.Watermark{"", "5", "7", "7"}, passed)
	assert.Equal(t, StateActive, s.State())
}

func TestPoll_RefreshesOnceOnUnauthorized(t *testing.T) {
	s, issuer, channel, _ := startTest(t, Options{})
	channel.pollErrs = []error{unauthorized(directline.OpPoll)}
	channel.sets = []directline.ActivitySet{{Activities: []directline.Activity{message("a", "bot", "Bot")}, Watermark: "1"}}

	got, err := s.PollNewActivities(context.Background())

	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(1), issuer.refreshes.Load())
	assert.Equal(t, []pollCall{{"token-1", ""}, {"token-5", ""}}, channel.polls)
	assert.Equal(t, directline.Watermark("1"), s.Watermark())
}

func TestPoll_CancelledLeavesStateUnchanged(t *testing.T) {
	s, _, channel, _ := startTest(t, Options{})
	channel.sets = []directline.ActivitySet{{Watermark: "3"}, {Watermark: "9"}}
	_, err := s.PollNewActivities(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.PollNewActivities(ctx)
	require.Error(t, err)
	assert.Equal(t, directline.Watermark("3"), s.Watermark())
}

func TestPoll_CheckpointsAdvances(t *testing.T) {
	checkpoints := store.NewMemoryStore()
	s, _, channel, clk := startTest(t, Options{Checkpointer: checkpoints, Endpoint: "https://example.test"})
	channel.sets = []directline.ActivitySet{{Watermark: "4"}}

	cp, err := checkpoints.GetCheckpoint(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "", cp.Watermark, "start records the conversation")

	clk.Advance(time.Second)
	_, err = s.PollNewActivities(context.Background())
	require.NoError(t, err)

	cp, err = checkpoints.GetCheckpoint(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "4", cp.Watermark)
	assert.Equal(t, s.User().ID, cp.UserID)
	assert.Equal(t, "https://example.test", cp.Endpoint)
}

func TestPoll_CheckpointFailureIsNotSurfaced(t *testing.T) {
	cp := &failingCheckpointer{}
	s, _, channel, _ := startTest(t, Options{Checkpointer: cp})
	channel.sets = []directline.ActivitySet{{Watermark: "4"}}

	_, err := s.PollNewActivities(context.Background())

	require.NoError(t, err)
	assert.Equal(t, directline.Watermark("4"), s.Watermark())
	assert.Equal(t, int32(2), cp.calls.Load())
}

func TestPoll_Dedupe(t *testing.T) {
	s, _, channel, _ := startTest(t, Options{Dedupe: dedupe.New(time.Hour, 100)})
	a, b := message("a", "bot", "Bot"), message("b", "bot", "Bot")
	channel.sets = []directline.ActivitySet{
		{Activities: []directline.Activity{a}, Watermark: "1"},
		{Activities: []directline.Activity{a, b}, Watermark: "2"},
	}

	first, err := s.PollNewActivities(context.Background())
	require.NoError(t, err)
	second, err := s.PollNewActivities(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []directline.Activity{a}, first)
	assert.Equal(t, []directline.Activity{b}, second)
}

func TestPoll_ObservesAdvancesAndActivities(t *testing.T) {
	observer := &fakeObserver{}
	s, _, channel, _ := startTest(t, Options{Observer: observer})
	typing := directline.Activity{ID: "t", Type: directline.TypeTyping}
	channel.sets = []directline.ActivitySet{
		{Activities: []directline.Activity{message("a", "bot", "Bot"), typing}, Watermark: "2"},
		{Watermark: "2"},
	}

	_, err := s.PollNewActivities(context.Background())
	require.NoError(t, err)
	_, err = s.PollNewActivities(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, observer.advances)
	assert.Equal(t, []string{"message", "typing"}, observer.activities)
}

func TestEnsureFresh(t *testing.T) {
	s, issuer, _, clk := startTest(t, Options{})
	ctx := context.Background()

	refreshed, err := s.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, int32(0), issuer.refreshes.Load())

	// 30m lifetime: margin is max(3m, 5m) = 5m.
	clk.Advance(24 * time.Minute)
	refreshed, err = s.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.False(t, refreshed)

	clk.Advance(2 * time.Minute)
	before := s.ExpiresAt()
	refreshed, err = s.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, int32(1), issuer.refreshes.Load())
	assert.True(t, s.ExpiresAt().After(before))
	assert.Equal(t, "conv-1", s.ConversationID())
}

func TestEnsureFresh_CustomMargin(t *testing.T) {
	s, issuer, _, clk := startTest(t, Options{RefreshMargin: 20 * time.Minute})

	clk.Advance(11 * time.Minute)
	refreshed, err := s.EnsureFresh(context.Background())

	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, int32(1), issuer.refreshes.Load())
}

func TestEnsureFresh_ConcurrentCallsShareOneRefresh(t *testing.T) {
	s, issuer, _, clk := startTest(t, Options{})
	issuer.gate = make(chan struct{})
	issuer.entered = make(chan struct{}, 1)
	clk.Advance(27 * time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refreshed, err := s.EnsureFresh(context.Background())
			assert.NoError(t, err)
			results <- refreshed
		}()
	}

	<-issuer.entered
	// Give the remaining callers time to join the in-flight refresh.
	time.Sleep(20 * time.Millisecond)
	close(issuer.gate)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), issuer.refreshes.Load(), "exactly one network refresh")
	assert.Equal(t, "token-5", s.token.Token)
}

func TestRefresh_ExtendsExpiryBeyondMargin(t *testing.T) {
	s, _, _, clk := startTest(t, Options{})
	clk.Advance(26 * time.Minute)

	require.NoError(t, s.Refresh(context.Background()))

	remaining := s.ExpiresAt().Sub(clk.Now())
	assert.GreaterOrEqual(t, remaining, directline.RefreshMargin(30*time.Minute))
}

func TestEchoFiltering(t *testing.T) {
	s, _, channel, _ := startTest(t, Options{
		IdentityToken: "id-token",
		User:          directline.User{ID: "dl_abc123", Name: "Ada"},
	})
	own := message("1", "dl_abc123", "Ada")
	impostor := message("2", "bot", "Ada")
	near := message("3", "dl_abc1234", "Ada")
	channel.sets = []directline.ActivitySet{{Activities: []directline.Activity{own, impostor, near}, Watermark: "3"}}

	got, err := s.PollNewActivities(context.Background())
	require.NoError(t, err)

	assert.True(t, s.IsOwnEcho(own))
	assert.False(t, s.IsOwnEcho(impostor), "display names are never compared")
	assert.False(t, s.IsOwnEcho(near))

	mine, others := s.SplitEchoes(got)
	assert.Equal(t, []directline.Activity{own}, mine)
	assert.Equal(t, []directline.Activity{impostor, near}, others)
}

func TestPoll_FlagsEchoWithForeignSender(t *testing.T) {
	observer := &fakeObserver{}
	s, _, channel, _ := startTest(t, Options{
		IdentityToken: "id-token",
		User:          directline.User{ID: "dl_abc123"},
		Observer:      observer,
	})
	channel.receiptID = "conv-1|0000001"

	_, err := s.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	tampered := message("conv-1|0000001", "dl_someoneelse", "Ada")
	honest := message("conv-1|0000001", "dl_abc123", "Ada")
	anonymous := directline.Activity{ID: "conv-1|0000001", Type: directline.TypeMessage}
	unrelated := message("conv-1|0000002", "dl_someoneelse", "Eve")
	channel.sets = []directline.ActivitySet{{
		Activities: []directline.Activity{tampered, unrelated},
		Watermark:  "2",
	}}

	got, err := s.PollNewActivities(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.True(t, s.IsSenderMismatch(tampered))
	assert.False(t, s.IsSenderMismatch(honest))
	assert.False(t, s.IsSenderMismatch(anonymous), "an absent sender id is not checked")
	assert.False(t, s.IsSenderMismatch(unrelated), "ids we never sent are not checked")
	assert.False(t, s.IsOwnEcho(tampered))
	assert.Equal(t, 1, observer.mismatches)
}

func TestIsSenderMismatch_ForgetsOldSends(t *testing.T) {
	s, _, channel, clk := startTest(t, Options{})
	channel.receiptID = "conv-1|0000001"
	_, err := s.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	forged := message("conv-1|0000001", "dl_other", "")
	assert.True(t, s.IsSenderMismatch(forged))

	clk.Advance(sentTTL + time.Minute)
	assert.False(t, s.IsSenderMismatch(forged))
}

func TestClose(t *testing.T) {
	s, issuer, channel, _ := startTest(t, Options{})

	s.Close()
	s.Close()

	assert.Equal(t, StateClosed, s.State())
	assert.True(t, s.State().Terminal())

	_, err := s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.PollNewActivities(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.EnsureFresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrSessionClosed)

	assert.Empty(t, channel.sends)
	assert.Empty(t, channel.polls)
	assert.Equal(t, int32(0), issuer.refreshes.Load())
}

func TestResume(t *testing.T) {
	clk := newTestClock()
	issuer := &stubIssuer{clock: clk}
	channel := &stubChannel{sets: []directline.ActivitySet{{Watermark: "13"}}}

	s, err := Resume(context.Background(), issuer, channel, store.Checkpoint{
		ConversationID: "conv-7",
		UserID:         "dl_resumed",
		Watermark:      "12",
	}, Options{Clock: clk.Now})
	require.NoError(t, err)

	assert.Equal(t, "conv-7", s.ConversationID())
	assert.Equal(t, "dl_resumed", s.User().ID)
	assert.Equal(t, directline.Watermark("12"), s.Watermark())
	assert.Equal(t, int32(1), issuer.reconnects.Load())
	assert.Equal(t, int32(0), issuer.issues.Load())

	_, err = s.PollNewActivities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, directline.Watermark("12"), channel.polls[0].watermark)
	assert.Equal(t, directline.Watermark("13"), s.Watermark())
}

func TestResume_RefusesEnhancedAuth(t *testing.T) {
	cp := store.Checkpoint{ConversationID: "conv-7", UserID: "dl_resumed", Watermark: "12"}

	tests := []struct {
		name string
		opts Options
	}{
		{"enhanced flag", Options{EnhancedAuth: true, IdentityToken: "id-token"}},
		{"identity token only", Options{IdentityToken: "id-token"}},
		{"enhanced without token", Options{EnhancedAuth: true}},
		{"unprefixed user", Options{IdentityToken: "id-token", User: directline.User{ID: "user123"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &stubIssuer{clock: newTestClock()}

			_, err := Resume(context.Background(), issuer, &stubChannel{}, cp, tt.opts)

			assert.ErrorIs(t, err, apierr.ErrConfiguration)
			assert.Equal(t, int32(0), issuer.reconnects.Load(), "no reconnect may be attempted")
		})
	}
}

func TestResume_IsNotEnhanced(t *testing.T) {
	clk := newTestClock()
	s, err := Resume(context.Background(), &stubIssuer{clock: clk}, &stubChannel{},
		store.Checkpoint{ConversationID: "conv-7", UserID: "dl_resumed"}, Options{Clock: clk.Now})
	require.NoError(t, err)
	assert.False(t, s.Enhanced())
}

func TestResume_RequiresConversation(t *testing.T) {
	_, err := Resume(context.Background(), &stubIssuer{clock: newTestClock()}, &stubChannel{}, store.Checkpoint{}, Options{})
	assert.ErrorIs(t, err, apierr.ErrConfiguration)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "expired", StateExpired.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.False(t, StateActive.Terminal())
}
