package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormtheory/packhowl/pkg/protocol"
)

func TestParse_InitRequiresNameAndIP(t *testing.T) {
	m, err := protocol.Parse([]byte(`{"type":"init","name":"den1","ip":"10.0.0.5"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeInit, m.Type)
	assert.Equal(t, "den1", m.Name)

	_, err = protocol.Parse([]byte(`{"type":"init","name":"den1"}`))
	assert.ErrorIs(t, err, protocol.ErrBadMessage)

	_, err = protocol.Parse([]byte(`{"type":"init","ip":"10.0.0.5"}`))
	assert.ErrorIs(t, err, protocol.ErrBadMessage)
}

func TestParse_StatusRequiresBothFlags(t *testing.T) {
	m, err := protocol.Parse([]byte(`{"type":"status","muted":true,"spk_muted":false}`))
	require.NoError(t, err)
	require.NotNil(t, m.Muted)
	assert.True(t, *m.Muted)
	require.NotNil(t, m.SpkMuted)
	assert.False(t, *m.SpkMuted)

	_, err = protocol.Parse([]byte(`{"type":"status","muted":true}`))
	assert.ErrorIs(t, err, protocol.ErrBadMessage)
}

func TestParse_AudioRequiresData(t *testing.T) {
	_, err := protocol.Parse([]byte(`{"type":"audio"}`))
	assert.ErrorIs(t, err, protocol.ErrBadMessage)

	m, err := protocol.Parse([]byte(`{"type":"audio","data":"deadbeef"}`))
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", m.Data)
}

func TestParse_ChatLengthCap(t *testing.T) {
	long := strings.Repeat("a", protocol.MaxChatRunes+1)
	raw, err := json.Marshal(protocol.Message{Type: protocol.TypeChat, Text: long})
	require.NoError(t, err)
	_, err = protocol.Parse(raw)
	assert.ErrorIs(t, err, protocol.ErrBadMessage)

	ok := strings.Repeat("b", protocol.MaxChatRunes)
	raw, err = json.Marshal(protocol.Message{Type: protocol.TypeChat, Text: ok})
	require.NoError(t, err)
	_, err = protocol.Parse(raw)
	assert.NoError(t, err)
}

func TestParse_UnknownTypeIsHardError(t *testing.T) {
	_, err := protocol.Parse([]byte(`{"type":"ping"}`))
	assert.ErrorIs(t, err, protocol.ErrUnknownType)

	_, err = protocol.Parse([]byte(`{"no_type":true}`))
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
}

func TestParse_MalformedJSON(t *testing.T) {
	_, err := protocol.Parse([]byte(`{"type":"chat","text":`))
	assert.ErrorIs(t, err, protocol.ErrBadMessage)
}

func TestParse_OversizedLine(t *testing.T) {
	line := make([]byte, protocol.MaxLineBytes+1)
	_, err := protocol.Parse(line)
	assert.ErrorIs(t, err, protocol.ErrLineTooLong)
}

func TestParse_LegacyMutedTag(t *testing.T) {
	m, err := protocol.Parse([]byte(`{"type":"muted","value":true}`))
	require.NoError(t, err)
	require.NotNil(t, m.Value)
	assert.True(t, *m.Value)

	_, err = protocol.Parse([]byte(`{"type":"muted"}`))
	assert.ErrorIs(t, err, protocol.ErrBadMessage)
}

func TestEncode_AppendsNewlineAndRoundTrips(t *testing.T) {
	msg := protocol.Message{
		Type:  protocol.TypeUserList,
		Users: []protocol.UserEntry{{Name: "den1", IP: "10.0.0.5", TX: true}},
	}
	line, err := protocol.Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])

	got, err := protocol.Parse(line[:len(line)-1])
	require.NoError(t, err)
	require.Len(t, got.Users, 1)
	assert.Equal(t, "den1", got.Users[0].Name)
	assert.True(t, got.Users[0].TX)
}

func TestEncode_RejectsOversizedPayload(t *testing.T) {
	_, err := protocol.Encode(protocol.Message{
		Type: protocol.TypeAudio,
		Data: strings.Repeat("ab", protocol.MaxLineBytes),
	})
	assert.ErrorIs(t, err, protocol.ErrLineTooLong)
}
