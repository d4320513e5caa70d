// This package defines the protocol identifier types used throughout parley.
// Identifiers are server-assigned opaque strings with a sigil prefix and, for
// user and room ids, a server-name suffix.
package ids

import (
	"fmt"
	"strings"
)

type (
	RoomID    string
	UserID    string
	DeviceID  string
	SessionID string
	EventID   string

	// Curve25519 and Ed25519 are unpadded-base64 public keys used as
	// device and session identity keys.
	Curve25519 string
	Ed25519    string
)

func ParseUserID(s string) (UserID, error) {
	if !strings.HasPrefix(s, "@") {
		return "", fmt.Errorf("ids: user id %q missing @ sigil", s)
	}
	if !strings.Contains(s[1:], ":") {
		return "", fmt.Errorf("ids: user id %q missing server name", s)
	}
	return UserID(s), nil
}

func ParseRoomID(s string) (RoomID, error) {
	if !strings.HasPrefix(s, "!") {
		return "", fmt.Errorf("ids: room id %q missing ! sigil", s)
	}
	if !strings.Contains(s[1:], ":") {
		return "", fmt.Errorf("ids: room id %q missing server name", s)
	}
	return RoomID(s), nil
}

func (u UserID) ServerName() string {
	if i := strings.Index(string(u), ":"); i != -1 {
		return string(u)[i+1:]
	}
	return ""
}
