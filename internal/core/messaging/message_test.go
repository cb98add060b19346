package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipients_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Recipients
		wantErr bool
	}{
		{name: "all", input: `"all"`, want: All},
		{name: "null", input: `null`, want: All},
		{name: "all but myself", input: `"all-but-myself"`, want: AllButSender},
		{name: "all but sender", input: `"all-but-sender"`, want: AllButSender},
		{name: "server", input: `"server"`, want: Server},
		{name: "id list", input: `["a","b"]`, want: To("a", "b")},
		{name: "single id", input: `"p1"`, want: To("p1")},
		{name: "empty list", input: `[]`, want: To()},
		{name: "invalid", input: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Recipients
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Target(), got.Target())
			assert.ElementsMatch(t, tt.want.IDs(), got.IDs())
		})
	}
}

func TestMessage_DefaultAddressingOmitted(t *testing.T) {
	msg, err := New(NameMessage, "p1", map[string]int{"score": 3})
	require.NoError(t, err)
	msg.Type = "score"

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "toClient")

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, TargetAll, parsed.ToClient.Target())
	assert.Equal(t, "score", parsed.Type)

	var payload map[string]int
	require.NoError(t, parsed.Decode(&payload))
	assert.Equal(t, 3, payload["score"])
}

func TestMessage_AllButSenderUsesWireSpelling(t *testing.T) {
	msg := Message{Name: NameMessage, FromInstance: "p1", ToClient: AllButSender}

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"toClient":"all-but-myself"`)
}

func TestMessage_Wire(t *testing.T) {
	no := false
	msg := Message{
		Name:         NameAttributesChanged,
		FromInstance: "p1",
		ToClient:     To("p2"),
		Volatile:     true,
		Redistribute: &no,
	}

	wire := msg.Wire()

	assert.False(t, wire.Volatile)
	assert.Nil(t, wire.Redistribute)
	assert.True(t, wire.ToClient.IsZero())
	assert.Equal(t, msg.Name, wire.Name)
	assert.Equal(t, msg.FromInstance, wire.FromInstance)

	// the original is untouched
	assert.True(t, msg.Volatile)
	assert.Equal(t, []string{"p2"}, msg.ToClient.IDs())
}

func TestMessage_Relayable(t *testing.T) {
	yes, no := true, false

	assert.True(t, Message{}.Relayable())
	assert.True(t, Message{Redistribute: &yes}.Relayable())
	assert.False(t, Message{Redistribute: &no}.Relayable())
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("not json"))
	require.Error(t, err)

	_, err = Parse([]byte(`{"fromInstance":"p1"}`))
	require.Error(t, err)
}
