// ABOUTME: Fake Direct Line service handling token and activity endpoints
// ABOUTME: Supports clock advance, fault injection and per-operation request counts

package directlinetest

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-directline/internal/directline"
)

const (
	// BotID is the sender id of every bot activity.
	BotID = "bot"

	defaultSecret   = "fake-directline-secret"
	defaultLifetime = 30 * time.Minute
)

// Options configures a Service.
type Options struct {
	// Secret authorizes anonymous issuance; defaults to a fixed test value.
	Secret string
	// TokenLifetime is the expires_in of every issued token (default 30m).
	TokenLifetime time.Duration
	// Greeting, when set, is posted by the bot when a conversation starts.
	Greeting string
	// BotReply computes the bot's answer to a user message. Nil echoes the
	// text; a reply of "" posts nothing.
	BotReply func(text string) string
	// AcceptIdentityToken decides whether a bearer credential that is neither
	// the secret nor a session token is a valid identity token. Nil accepts any.
	AcceptIdentityToken func(token string) bool
	Logger              *slog.Logger
}

type conversation struct {
	id         string
	user       directline.User
	identity   bool
	activities []directline.Activity
}

// Service is an http.Handler implementing the Direct Line endpoints.
type Service struct {
	mu             sync.Mutex
	opts           Options
	signer         *tokenSigner
	offset         time.Duration
	conversations  map[string]*conversation
	counts         map[string]int
	faults         map[string][]int
	identityTokens []string
	mux            *http.ServeMux
	logger         *slog.Logger
}

// NewService creates a fake service.
func NewService(opts Options) *Service {
	if opts.Secret == "" {
		opts.Secret = defaultSecret
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = defaultLifetime
	}
	if opts.BotReply == nil {
		opts.BotReply = func(text string) string { return "echo: " + text }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("directlinetest: generating signing key: %v", err))
	}

	s := &Service{
		opts:          opts,
		conversations: make(map[string]*conversation),
		counts:        make(map[string]int),
		faults:        make(map[string][]int),
		logger:        opts.Logger.With("component", "fake-directline"),
	}
	s.signer = &tokenSigner{secret: key, now: s.Now}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/directline/conversations", s.handleIssue)
	mux.HandleFunc("POST /v3/directline/tokens/generate", s.handleGenerate)
	mux.HandleFunc("POST /v3/directline/tokens/refresh", s.handleRefresh)
	mux.HandleFunc("GET /v3/directline/conversations/{id}", s.handleReconnect)
	mux.HandleFunc("POST /v3/directline/conversations/{id}/activities", s.handleSend)
	mux.HandleFunc("GET /v3/directline/conversations/{id}/activities", s.handlePoll)
	s.mux = mux

	return s
}

// Secret returns the secret that authorizes anonymous issuance.
func (s *Service) Secret() string {
	return s.opts.Secret
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Add(s.offset)
}

// Advance moves the service clock forward.
func (s *Service) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += d
}

// Count returns how many requests reached op.
func (s *Service) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// FailNext queues statuses to be returned by the next requests to op.
func (s *Service) FailNext(op string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], statuses...)
}

// IdentityTokens returns the identity tokens presented to issue, in order.
func (s *Service) IdentityTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.identityTokens...)
}

// Activities returns a copy of a conversation's activity log.
func (s *Service) Activities(conversationID string) []directline.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]directline.Activity(nil), conv.activities...)
}

// PostBotMessage appends a bot message to a conversation, as if the bot had
// spoken on its own.
func (s *Service) PostBotMessage(conversationID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return false
	}
	s.appendLocked(conv, directline.Activity{
		Type: directline.TypeMessage,
		From: directline.User{ID: BotID, Name: "Bot", Role: "bot"},
		Text: text,
	})
	return true
}

// begin counts the request and reports an injected fault, if any.
func (s *Service) begin(w http.ResponseWriter, op string) bool {
	s.mu.Lock()
	s.counts[op]++
	var status int
	if queue := s.faults[op]; len(queue) > 0 {
		status = queue[0]
		s.faults[op] = queue[1:]
	}
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status, "InjectedFault", fmt.Sprintf("injected %d for %s", status, op))
		return false
	}
	return true
}

func (s *Service) handleIssue(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, directline.OpIssue) {
		return
	}

	bearer, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", errMsg)
		return
	}

	enhanced := false
	if bearer != s.opts.Secret {
		if _, err := s.signer.verify(bearer); err == nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "session tokens cannot start conversations")
			return
		}
		if s.opts.AcceptIdentityToken != nil && !s.opts.AcceptIdentityToken(bearer) {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "identity token rejected")
			return
		}
		enhanced = true
	}

	body, ok := decodeIssueBody(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	if enhanced {
		s.identityTokens = append(s.identityTokens, bearer)
	}
	conv := s.newConversationLocked(body.User, enhanced)
	if s.opts.Greeting != "" {
		s.appendLocked(conv, directline.Activity{
			Type: directline.TypeMessage,
			From: directline.User{ID: BotID, Name: "Bot", Role: "bot"},
			Text: s.opts.Greeting,
		})
	}
	s.mu.Unlock()

	s.writeToken(w, http.StatusCreated, conv)
}

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, directline.OpGenerate) {
		return
	}

	bearer, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" || bearer != s.opts.Secret {
		writeError(w, http.StatusForbidden, "Forbidden", "secret required")
		return
	}

	body, ok := decodeIssueBody(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	conv := s.newConversationLocked(body.User, false)
	s.mu.Unlock()

	s.writeToken(w, http.StatusOK, conv)
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, directline.OpRefresh) {
		return
	}

	bearer, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", errMsg)
		return
	}

	claims, err := s.signer.verify(bearer)
	if err != nil {
		if err == errExpiredToken {
			writeError(w, http.StatusForbidden, "TokenExpired", "token has expired")
			return
		}
		writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid token")
		return
	}

	s.mu.Lock()
	conv, ok := s.conversations[claims.ConversationID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "BadArgument", "conversation not found")
		return
	}

	s.writeToken(w, http.StatusOK, conv)
}

func (s *Service) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, directline.OpReconnect) {
		return
	}

	id := r.PathValue("id")
	conv, status, code, msg := s.authorizeConversation(r, id)
	if status != 0 {
		writeError(w, status, code, msg)
		return
	}

	s.writeToken(w, http.StatusOK, conv)
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, directline.OpSend) {
		return
	}

	id := r.PathValue("id")
	conv, status, code, msg := s.authorizeConversation(r, id)
	if status != 0 {
		writeError(w, status, code, msg)
		return
	}

	var body struct {
		Type string           `json:"type"`
		Text string           `json:"text"`
		From *directline.User `json:"from"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BadArgument", "malformed activity")
		return
	}
	if body.Type != directline.TypeMessage.Raw() {
		writeError(w, http.StatusBadRequest, "BadArgument", "unsupported activity type "+body.Type)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "BadArgument", "message text required")
		return
	}

	s.mu.Lock()
	from := conv.user
	if body.From != nil && body.From.ID != "" && !conv.identity {
		from = *body.From
	}
	if from.ID == "" {
		from.ID = "anonymous"
	}
	sent := s.appendLocked(conv, directline.Activity{
		Type: directline.TypeMessage,
		From: from,
		Text: body.Text,
	})
	if reply := s.opts.BotReply(body.Text); reply != "" {
		s.appendLocked(conv, directline.Activity{
			Type:      directline.TypeMessage,
			From:      directline.User{ID: BotID, Name: "Bot", Role: "bot"},
			Text:      reply,
			ReplyToID: sent.ID,
		})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, directline.Receipt{ID: sent.ID})
}

func (s *Service) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, directline.OpPoll) {
		return
	}

	id := r.PathValue("id")
	conv, status, code, msg := s.authorizeConversation(r, id)
	if status != 0 {
		writeError(w, status, code, msg)
		return
	}

	position := 0
	if raw := r.URL.Query().Get("watermark"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BadArgument", "invalid watermark")
			return
		}
		position = n
	}

	s.mu.Lock()
	var set directline.ActivitySet
	if position < len(conv.activities) {
		set.Activities = append([]directline.Activity(nil), conv.activities[position:]...)
	}
	if len(conv.activities) > 0 {
		set.Watermark = directline.Watermark(strconv.Itoa(len(conv.activities)))
	}
	s.mu.Unlock()

	if set.Activities == nil {
		set.Activities = []directline.Activity{}
	}
	writeJSON(w, http.StatusOK, set)
}

// authorizeConversation checks the bearer against conversation id. The secret
// is accepted for every conversation; a session token only for its own.
func (s *Service) authorizeConversation(r *http.Request, id string) (*conversation, int, string, string) {
	bearer, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return nil, http.StatusUnauthorized, "Unauthorized", errMsg
	}

	if bearer != s.opts.Secret {
		claims, err := s.signer.verify(bearer)
		if err == errExpiredToken {
			return nil, http.StatusForbidden, "TokenExpired", "token has expired"
		}
		if err != nil {
			return nil, http.StatusUnauthorized, "Unauthorized", "invalid token"
		}
		if claims.ConversationID != id {
			return nil, http.StatusForbidden, "Forbidden", "token not valid for this conversation"
		}
	}

	s.mu.Lock()
	conv, ok := s.conversations[id]
	s.mu.Unlock()
	if !ok {
		return nil, http.StatusNotFound, "BadArgument", "conversation not found"
	}
	return conv, 0, "", ""
}

func (s *Service) newConversationLocked(user *directline.User, identity bool) *conversation {
	conv := &conversation{
		id:       strings.ReplaceAll(uuid.NewString(), "-", "")[:22],
		identity: identity,
	}
	if user != nil {
		conv.user = *user
	}
	s.conversations[conv.id] = conv
	s.logger.Debug("conversation created", "conversation_id", conv.id, "enhanced", identity)
	return conv
}

func (s *Service) appendLocked(conv *conversation, a directline.Activity) directline.Activity {
	a.ID = fmt.Sprintf("%s|%07d", conv.id, len(conv.activities))
	a.Timestamp = time.Now().Add(s.offset).UTC()
	conv.activities = append(conv.activities, a)
	return a
}

func (s *Service) writeToken(w http.ResponseWriter, status int, conv *conversation) {
	token, err := s.signer.generate(conv.id, conv.user.ID, s.opts.TokenLifetime)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ServiceError", "signing token")
		return
	}
	writeJSON(w, status, map[string]any{
		"conversationId": conv.id,
		"token":          token,
		"expires_in":     int(s.opts.TokenLifetime / time.Second),
		"streamUrl":      "wss://directline.invalid/v3/directline/conversations/" + conv.id + "/stream",
	})
}

// issueBody is the optional body of issue and generate requests.
type issueBody struct {
	User           *directline.User `json:"user"`
	TrustedOrigins []string         `json:"trustedOrigins"`
}

func decodeIssueBody(w http.ResponseWriter, r *http.Request) (issueBody, bool) {
	var body issueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BadArgument", "malformed body")
		return body, false
	}
	return body, true
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
