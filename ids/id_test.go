package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUserID(t *testing.T) {
	require := require.New(t)

	userID, err := ParseUserID("@alice:example.org")
	require.Nil(err)
	require.Equal(UserID("@alice:example.org"), userID)
	require.Equal("example.org", userID.ServerName())

	_, err = ParseUserID("alice:example.org")
	require.NotNil(err)
	_, err = ParseUserID("@alice")
	require.NotNil(err)
}

func TestParseRoomID(t *testing.T) {
	require := require.New(t)

	roomID, err := ParseRoomID("!abc:example.org")
	require.Nil(err)
	require.Equal(RoomID("!abc:example.org"), roomID)

	_, err = ParseRoomID("abc:example.org")
	require.NotNil(err)
	_, err = ParseRoomID("!abc")
	require.NotNil(err)
}
