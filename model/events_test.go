package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVotingEventRoundTrip(t *testing.T) {
	event, err := NewVotingEvent(MessageVoteSubmitted, "s1", "e1", map[string]int{"totalVotes": 3})
	require.NoError(t, err)
	assert.False(t, event.Timestamp.IsZero())

	data, err := event.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"vote_submitted"`)
	assert.Contains(t, string(data), `"payload":{"totalVotes":3}`)

	parsed, err := ParseVotingEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "s1", parsed.SessionID)
	assert.Equal(t, "e1", parsed.EventID)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(parsed.Payload, &payload))
	assert.Equal(t, 3, payload["totalVotes"])
}

func TestParseVotingEventRejectsGarbage(t *testing.T) {
	_, err := ParseVotingEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseVotingEvent([]byte(`{"eventId":"e1"}`))
	assert.Error(t, err)
}

func TestNewVotingEventUnmarshalablePayload(t *testing.T) {
	_, err := NewVotingEvent(MessageSessionEnded, "s1", "e1", make(chan int))
	assert.Error(t, err)
}
