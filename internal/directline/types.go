// ABOUTME: Wire and value types for Direct Line conversations, tokens and activities
// ABOUTME: ActivityType is a closed variant that degrades unknown types to KindOther

package directline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTokenLifetime is assumed when the service omits expires_in.
const DefaultTokenLifetime = 30 * time.Minute

// Watermark is the opaque cursor of the last consumed activity position.
// The zero value means "from the beginning".
type Watermark string

// User identifies a conversation member.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// SessionToken is a bearer credential scoped to a single conversation.
type SessionToken struct {
	Token          string
	ConversationID string
	ExpiresIn      time.Duration
	IssuedAt       time.Time
	StreamURL      string
}

// ExpiresAt returns the instant the token stops being valid.
func (t SessionToken) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.ExpiresIn)
}

// Remaining returns the validity left at now, never negative.
func (t SessionToken) Remaining(now time.Time) time.Duration {
	if d := t.ExpiresAt().Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the token is past expiry at now.
func (t SessionToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// String never includes the token value.
func (t SessionToken) String() string {
	return fmt.Sprintf("SessionToken{conversation=%s expires=%s}",
		t.ConversationID, t.ExpiresAt().Format(time.RFC3339))
}

// LogValue keeps the token value out of structured logs.
func (t SessionToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("conversation_id", t.ConversationID),
		slog.Time("expires_at", t.ExpiresAt()),
	)
}

// conversationResponse is the body returned by issue, generate, refresh and reconnect.
type conversationResponse struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
	ExpiresIn      int    `json:"expires_in"`
	StreamURL      string `json:"streamUrl,omitempty"`
}

func (r conversationResponse) sessionToken(issuedAt time.Time) SessionToken {
	lifetime := time.Duration(r.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	return SessionToken{
		Token:          r.Token,
		ConversationID: r.ConversationID,
		ExpiresIn:      lifetime,
		IssuedAt:       issuedAt,
		StreamURL:      r.StreamURL,
	}
}

// ActivityKind enumerates the activity types the engine handles explicitly.
type ActivityKind int

const (
	KindOther ActivityKind = iota
	KindMessage
	KindConversationUpdate
	KindTyping
)

func (k ActivityKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindConversationUpdate:
		return "conversationUpdate"
	case KindTyping:
		return "typing"
	default:
		return "other"
	}
}

// ActivityType is the tagged activity type. Types the engine does not know
// are KindOther and keep their raw string.
type ActivityType struct {
	kind ActivityKind
	raw  string
}

var (
	TypeMessage            = ActivityType{kind: KindMessage, raw: "message"}
	TypeConversationUpdate = ActivityType{kind: KindConversationUpdate, raw: "conversationUpdate"}
	TypeTyping             = ActivityType{kind: KindTyping, raw: "typing"}
)

// ParseActivityType classifies a raw wire type.
func ParseActivityType(raw string) ActivityType {
	switch raw {
	case TypeMessage.raw:
		return TypeMessage
	case TypeConversationUpdate.raw:
		return TypeConversationUpdate
	case TypeTyping.raw:
		return TypeTyping
	default:
		return ActivityType{kind: KindOther, raw: raw}
	}
}

func (t ActivityType) Kind() ActivityKind { return t.kind }
func (t ActivityType) Raw() string        { return t.raw }
func (t ActivityType) String() string     { return t.raw }

func (t ActivityType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.raw)
}

func (t *ActivityType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("activity type: %w", err)
	}
	*t = ParseActivityType(raw)
	return nil
}

// Attachment is a card or file attached to an activity.
type Attachment struct {
	ContentType string          `json:"contentType"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
}

// IsSignInCard reports whether the attachment asks the user to sign in.
func (a Attachment) IsSignInCard() bool {
	switch a.ContentType {
	case "application/vnd.microsoft.card.signin", "application/vnd.microsoft.card.oauth":
		return true
	}
	return false
}

// Activity is a single entry of a conversation's activity stream.
type Activity struct {
	ID          string          `json:"id"`
	Type        ActivityType    `json:"type"`
	From        User            `json:"from"`
	Text        string          `json:"text,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitzero"`
	ChannelData json.RawMessage `json:"channelData,omitempty"`
	ReplyToID   string          `json:"replyToId,omitempty"`
}

// ActivitySet is the result of one poll.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  Watermark  `json:"watermark,omitempty"`
}

// Outgoing is a message activity sent by the caller.
type Outgoing struct {
	Text string
	From *User
}

// outgoingActivity is the send body: {type:"message", text, from?}.
type outgoingActivity struct {
	Type string `json:"type"`
	Text string `json:"text"`
	From *User  `json:"from,omitempty"`
}

// Receipt is the service's acknowledgement of a sent activity.
type Receipt struct {
	ID string `json:"id"`
}

// issueBody is sent when issuing a token for a user or for trusted origins.
type issueBody struct {
	User           *User    `json:"user,omitempty"`
	TrustedOrigins []string `json:"trustedOrigins,omitempty"`
}

// IssueRequest describes who a new session token is for.
type IssueRequest struct {
	// IdentityToken, when set, authenticates the request instead of the secret
	// and binds the session to the signed-in user.
	IdentityToken  string
	User           *User
	TrustedOrigins []string
}

func (r IssueRequest) body() any {
	if r.User == nil && len(r.TrustedOrigins) == 0 {
		return nil
	}
	return issueBody{User: r.User, TrustedOrigins: r.TrustedOrigins}
}
