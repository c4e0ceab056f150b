// ABOUTME: Tests for activity type classification and token arithmetic
// ABOUTME: Unknown activity types must survive decoding as KindOther

package directline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActivityType(t *testing.T) {
	tests := []struct {
		raw  string
		want ActivityKind
	}{
		{"message", KindMessage},
		{"conversationUpdate", KindConversationUpdate},
		{"typing", KindTyping},
		{"event", KindOther},
		{"invoke", KindOther},
		{"", KindOther},
		{"Message", KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseActivityType(tt.raw)
			assert.Equal(t, tt.want, got.Kind())
			assert.Equal(t, tt.raw, got.Raw())
		})
	}
}

func TestActivity_DecodeUnknownType(t *testing.T) {
	data := `{
		"activities": [
			{"id": "c|0000000", "type": "message", "from": {"id": "bot", "name": "Bot"}, "text": "hi",
			 "timestamp": "2024-05-01T10:00:00.1234567Z"},
			{"id": "c|0000001", "type": "event", "from": {"id": "bot"}, "channelData": {"x": 1}}
		],
		"watermark": "2"
	}`

	var set ActivitySet
	require.NoError(t, json.Unmarshal([]byte(data), &set))

	require.Len(t, set.Activities, 2)
	assert.Equal(t, TypeMessage, set.Activities[0].Type)
	assert.Equal(t, KindOther, set.Activities[1].Type.Kind())
	assert.Equal(t, "event", set.Activities[1].Type.Raw())
	assert.JSONEq(t, `{"x": 1}`, string(set.Activities[1].ChannelData))
	assert.Equal(t, Watermark("2"), set.Watermark)

	out, err := json.Marshal(set.Activities[1])
	require.NoError(t, err)
	assert.Contains(t, string(out), `"type":"event"`)
}

func TestSessionToken_Expiry(t *testing.T) {
	issued := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tok := SessionToken{Token: "secret-value", ConversationID: "conv", ExpiresIn: 30 * time.Minute, IssuedAt: issued}

	assert.Equal(t, issued.Add(30*time.Minute), tok.ExpiresAt())
	assert.Equal(t, 20*time.Minute, tok.Remaining(issued.Add(10*time.Minute)))
	assert.Equal(t, time.Duration(0), tok.Remaining(issued.Add(time.Hour)))
	assert.False(t, tok.Expired(issued.Add(29*time.Minute)))
	assert.True(t, tok.Expired(issued.Add(30*time.Minute)))
}

func TestSessionToken_NeverPrintsValue(t *testing.T) {
	tok := SessionToken{Token: "super-secret-token", ConversationID: "conv", ExpiresIn: time.Minute}

	assert.NotContains(t, fmt.Sprint(tok), "super-secret-token")

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("token", "token", tok)
	assert.NotContains(t, buf.String(), "super-secret-token")
	assert.Contains(t, buf.String(), "conv")
}

func TestConversationResponse_DefaultLifetime(t *testing.T) {
	now := time.Now()
	tok := conversationResponse{ConversationID: "c", Token: "t"}.sessionToken(now)
	assert.Equal(t, DefaultTokenLifetime, tok.ExpiresIn)

	tok = conversationResponse{ConversationID: "c", Token: "t", ExpiresIn: 1800}.sessionToken(now)
	assert.Equal(t, 30*time.Minute, tok.ExpiresIn)
}

func TestRefreshMargin(t *testing.T) {
	assert.Equal(t, 5*time.Minute, RefreshMargin(30*time.Minute))
	assert.Equal(t, 12*time.Minute, RefreshMargin(2*time.Hour))
	assert.Equal(t, 5*time.Minute, RefreshMargin(0))
}

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ValidateUserID("dl_abc123"))
	assert.Error(t, ValidateUserID("user123"))
	assert.Error(t, ValidateUserID("dl_"))
	assert.Error(t, ValidateUserID(""))

	id := NewUserID()
	assert.NoError(t, ValidateUserID(id))
	assert.Len(t, id, len(UserIDPrefix)+32)
	assert.NotEqual(t, id, NewUserID())
}

func TestEndpointForRegion(t *testing.T) {
	ep, err := EndpointForRegion("Europe")
	require.NoError(t, err)
	assert.Equal(t, EndpointEurope, ep)

	ep, err = EndpointForRegion("")
	require.NoError(t, err)
	assert.Equal(t, EndpointGlobal, ep)

	_, err = EndpointForRegion("mars")
	assert.Error(t, err)
}
