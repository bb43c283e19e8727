package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationMembers(t *testing.T) {
	conv := Conversation{
		Id:    "c1",
		Users: []User{{Id: "u1"}, {Id: "u2"}},
	}

	assert.Equal(t, []string{"u1", "u2"}, conv.MemberIds())
	assert.Empty(t, Conversation{}.MemberIds())
}

func TestMessageJSON(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := Message{
		Id:        "m1",
		Sender:    User{Id: "u1", UserName: "alice", FullName: "Alice A"},
		ChatId:    "c1",
		Content:   "hello",
		CreatedAt: created,
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "m1", fields["_id"])
	assert.Equal(t, "c1", fields["chat"])
	assert.Equal(t, "hello", fields["content"])
	assert.NotContains(t, fields, "editedAt", "unedited messages omit editedAt")
	assert.NotContains(t, fields, "clientId")

	sender, ok := fields["sender"].(map[string]any)
	require.True(t, ok, "expected sender to be an object")
	assert.Equal(t, "alice", sender["userName"])
	assert.NotContains(t, sender, "email")
}
