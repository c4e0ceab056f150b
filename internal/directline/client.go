// ABOUTME: HTTP client for the Direct Line v3 token and activity endpoints
// ABOUTME: Issues, refreshes and reconnects session tokens; sends and polls activities

package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-directline/internal/apierr"
)

const (
	// DefaultRequestTimeout bounds every single request.
	DefaultRequestTimeout = 30 * time.Second

	apiPrefix       = "/v3/directline"
	maxResponseSize = 4 << 20
)

// Operation names used in errors, logs and metrics.
const (
	OpIssue     = "issue"
	OpGenerate  = "generate"
	OpRefresh   = "refresh"
	OpReconnect = "reconnect"
	OpSend      = "send"
	OpPoll      = "poll"
)

// Recorder observes completed requests. status is 0 when no response arrived.
type Recorder interface {
	ObserveRequest(op string, status int, elapsed time.Duration)
}

// Client talks to one Direct Line endpoint.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryPolicy
	limiter    *rate.Limiter
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint sets the base URL, e.g. EndpointEurope.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(endpoint, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetryPolicy sets the policy for transient failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithRateLimiter throttles outgoing requests.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithRecorder installs a request observer.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClock sets the time source used to stamp issued tokens.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a client. secret authorizes anonymous issuance, token generation
// and reconnects; it may be empty when only identity tokens are used.
func New(secret string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    DefaultEndpoint,
		secret:     secret,
		httpClient: http.DefaultClient,
		timeout:    DefaultRequestTimeout,
		retry:      NoRetry(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := url.ParseRequestURI(c.baseURL); err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, "new client", fmt.Errorf("invalid endpoint %q: %w", c.baseURL, err))
	}
	c.logger = c.logger.With("component", "directline")
	return c, nil
}

// Endpoint returns the base URL in use.
func (c *Client) Endpoint() string {
	return c.baseURL
}

// Issue starts a conversation and returns its session token. The identity
// token, when present, authorizes the call and binds the user to the session;
// otherwise the secret is presented.
func (c *Client) Issue(ctx context.Context, req IssueRequest) (SessionToken, error) {
	bearer := req.IdentityToken
	if bearer == "" {
		if c.secret == "" {
			return SessionToken{}, apierr.New(apierr.KindConfiguration, OpIssue, "a secret or an identity token is required")
		}
		bearer = c.secret
	}

	c.logger.Info("starting conversation",
		"user_id", userID(req.User),
		"enhanced", req.IdentityToken != "",
	)

	tok, err := c.exchange(ctx, call{
		op:         OpIssue,
		method:     http.MethodPost,
		path:       apiPrefix + "/conversations",
		bearer:     bearer,
		body:       req.body(),
		idempotent: false,
	})
	if err != nil {
		return SessionToken{}, err
	}

	c.logger.Info("started conversation", "conversation_id", tok.ConversationID, "expires_in", tok.ExpiresIn)
	return tok, nil
}

// GenerateToken mints a token for a new conversation without starting it,
// for handing to another client. It always authenticates with the secret.
func (c *Client) GenerateToken(ctx context.Context, req IssueRequest) (SessionToken, error) {
	if c.secret == "" {
		return SessionToken{}, apierr.New(apierr.KindConfiguration, OpGenerate, "secret required")
	}

	c.logger.Info("generating token", "user_id", userID(req.User))
	return c.exchange(ctx, call{
		op:     OpGenerate,
		method: http.MethodPost,
		path:   apiPrefix + "/tokens/generate",
		bearer: c.secret,
		body:   IssueRequest{User: req.User, TrustedOrigins: req.TrustedOrigins}.body(),
	})
}

// Refresh exchanges a live token for one with a fresh expiry window on the same
// conversation. A token already past expiry fails with TokenExpired without a
// network call.
func (c *Client) Refresh(ctx context.Context, tok SessionToken) (SessionToken, error) {
	if tok.Expired(c.now()) {
		return SessionToken{}, apierr.New(apierr.KindTokenExpired, OpRefresh, "token is past expiry")
	}

	fresh, err := c.exchange(ctx, call{
		op:         OpRefresh,
		method:     http.MethodPost,
		path:       apiPrefix + "/tokens/refresh",
		bearer:     tok.Token,
		idempotent: true,
	})
	if err != nil {
		var e *apierr.Error
		if errors.As(err, &e) && e.Kind == apierr.KindUnauthorized {
			return SessionToken{}, &apierr.Error{Kind: apierr.KindTokenExpired, Op: OpRefresh, Status: e.Status, Message: e.Message}
		}
		return SessionToken{}, err
	}

	if fresh.ConversationID == "" {
		fresh.ConversationID = tok.ConversationID
	}
	if fresh.ConversationID != tok.ConversationID {
		return SessionToken{}, apierr.New(apierr.KindBadRequest, OpRefresh,
			fmt.Sprintf("refreshed token is for conversation %s, want %s", fresh.ConversationID, tok.ConversationID))
	}
	if fresh.StreamURL == "" {
		fresh.StreamURL = tok.StreamURL
	}

	c.logger.Debug("refreshed token", "conversation_id", fresh.ConversationID, "expires_in", fresh.ExpiresIn)
	return fresh, nil
}

// Reconnect obtains a new token for an existing conversation using the secret.
func (c *Client) Reconnect(ctx context.Context, conversationID string, watermark Watermark) (SessionToken, error) {
	if c.secret == "" {
		return SessionToken{}, apierr.New(apierr.KindConfiguration, OpReconnect, "secret required")
	}
	if conversationID == "" {
		return SessionToken{}, apierr.New(apierr.KindBadRequest, OpReconnect, "conversation id required")
	}

	q := url.Values{}
	if watermark != "" {
		q.Set("watermark", string(watermark))
	}

	tok, err := c.exchange(ctx, call{
		op:         OpReconnect,
		method:     http.MethodGet,
		path:       apiPrefix + "/conversations/" + url.PathEscape(conversationID),
		query:      q,
		bearer:     c.secret,
		idempotent: true,
	})
	if err != nil {
		return SessionToken{}, err
	}
	if tok.ConversationID == "" {
		tok.ConversationID = conversationID
	}

	c.logger.Info("reconnected conversation", "conversation_id", tok.ConversationID)
	return tok, nil
}

// Send posts a message activity to the conversation.
func (c *Client) Send(ctx context.Context, conversationID string, tok SessionToken, msg Outgoing) (Receipt, error) {
	if conversationID == "" {
		return Receipt{}, apierr.New(apierr.KindBadRequest, OpSend, "conversation id required")
	}

	var receipt Receipt
	err := c.do(ctx, call{
		op:     OpSend,
		method: http.MethodPost,
		path:   activitiesPath(conversationID),
		bearer: tok.Token,
		body: outgoingActivity{
			Type: TypeMessage.Raw(),
			Text: msg.Text,
			From: msg.From,
		},
		out: &receipt,
	})
	if err != nil {
		return Receipt{}, err
	}
	if receipt.ID == "" {
		return Receipt{}, apierr.New(apierr.KindServiceUnavailable, OpSend, "response carries no activity id")
	}

	c.logger.Debug("sent activity", "conversation_id", conversationID, "activity_id", receipt.ID)
	return receipt, nil
}

// Poll returns the activities after watermark in server order. An empty
// watermark in the result means the cursor is unchanged.
func (c *Client) Poll(ctx context.Context, conversationID string, tok SessionToken, watermark Watermark) (ActivitySet, error) {
	if conversationID == "" {
		return ActivitySet{}, apierr.New(apierr.KindBadRequest, OpPoll, "conversation id required")
	}

	q := url.Values{}
	if watermark != "" {
		q.Set("watermark", string(watermark))
	}

	var set ActivitySet
	err := c.do(ctx, call{
		op:         OpPoll,
		method:     http.MethodGet,
		path:       activitiesPath(conversationID),
		query:      q,
		bearer:     tok.Token,
		out:        &set,
		idempotent: true,
	})
	if err != nil {
		return ActivitySet{}, err
	}

	c.logger.Debug("polled activities",
		"conversation_id", conversationID,
		"count", len(set.Activities),
		"watermark", string(set.Watermark),
	)
	return set, nil
}

func activitiesPath(conversationID string) string {
	return apiPrefix + "/conversations/" + url.PathEscape(conversationID) + "/activities"
}

func userID(u *User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

// call describes one logical request.
type call struct {
	op         string
	method     string
	path       string
	query      url.Values
	bearer     string
	body       any
	out        any
	idempotent bool
}

// exchange performs a token-returning call and stamps the result.
func (c *Client) exchange(ctx context.Context, cl call) (SessionToken, error) {
	var resp conversationResponse
	cl.out = &resp
	if err := c.do(ctx, cl); err != nil {
		return SessionToken{}, err
	}
	if resp.Token == "" {
		return SessionToken{}, apierr.New(apierr.KindServiceUnavailable, cl.op, "response carries no token")
	}
	return resp.sessionToken(c.now()), nil
}

// do runs cl under the retry policy.
func (c *Client) do(ctx context.Context, cl call) error {
	attempts := c.retry.attempts(cl.idempotent)
	for attempt := 1; ; attempt++ {
		err := c.once(ctx, cl)
		if err == nil || attempt >= attempts || !apierr.IsTransient(err) || ctx.Err() != nil {
			return err
		}

		delay := c.retry.Delay(attempt)
		c.logger.Warn("retrying request",
			"op", cl.op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if sleepErr := c.retry.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// once performs a single HTTP round trip.
func (c *Client) once(ctx context.Context, cl call) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apierr.Wrap(apierr.KindNetwork, cl.op, err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return apierr.Wrap(apierr.KindBadRequest, cl.op, fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + cl.path
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
	if err != nil {
		return apierr.Wrap(apierr.KindBadRequest, cl.op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+cl.bearer)
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(cl.op, 0, time.Since(start))
		return &apierr.Error{Kind: apierr.KindNetwork, Op: cl.op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.observe(cl.op, resp.StatusCode, time.Since(start))
	if err != nil {
		return &apierr.Error{Kind: apierr.KindNetwork, Op: cl.op, Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("request failed", "op", cl.op, "status", resp.StatusCode)
		return apierr.FromStatus(cl.op, resp.StatusCode, data)
	}

	if cl.out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, cl.out); err != nil {
			return &apierr.Error{Kind: apierr.KindServiceUnavailable, Op: cl.op, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

func (c *Client) observe(op string, status int, elapsed time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveRequest(op, status, elapsed)
	}
}
