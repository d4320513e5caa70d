// This package defines the surface of the homeserver RPC client consumed by
// the key-management pipeline, along with an HTTP implementation of it.
package api

import (
	"context"
	"encoding/json"

	"github.com/meow-io/go-parley/crypto"
	"github.com/meow-io/go-parley/ids"
)

type KeysQueryRequest struct {
	DeviceKeys map[ids.UserID][]ids.DeviceID `json:"device_keys"`
	TimeoutMs  int64                         `json:"timeout,omitempty"`
	Token      string                        `json:"token,omitempty"`
}

// KeysQueryResponse carries the raw per-device sections so signatures can be
// verified over the exact bytes the server returned.
type KeysQueryResponse struct {
	DeviceKeys map[ids.UserID]map[ids.DeviceID]json.RawMessage `json:"device_keys"`
}

// DeviceSection is the parsed form of one device entry in a keys-query
// response.
type DeviceSection struct {
	UserID     ids.UserID                   `json:"user_id"`
	DeviceID   ids.DeviceID                 `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures"`
	Unsigned   struct {
		DeviceDisplayName string `json:"device_display_name"`
	} `json:"unsigned"`
}

type KeyBackupAuthData struct {
	PublicKey  string                       `json:"public_key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeyBackupInfo is an immutable snapshot of server backup metadata. A new
// version on the server requires constructing a new backup around a fresh
// snapshot.
type KeyBackupInfo struct {
	Version   string            `json:"version"`
	ETag      string            `json:"etag"`
	Count     int64             `json:"count"`
	Algorithm string            `json:"algorithm"`
	AuthData  KeyBackupAuthData `json:"auth_data"`
}

// BackedUpSession is one wrapped session held in the server vault.
type BackedUpSession struct {
	FirstMessageIndex uint32                `json:"first_message_index"`
	ForwardedCount    uint32                `json:"forwarded_count"`
	IsVerified        bool                  `json:"is_verified"`
	SessionData       *crypto.SealedMessage `json:"session_data"`
}

type RoomKeysUpload struct {
	Rooms map[ids.RoomID]RoomKeysUploadRoom `json:"rooms"`
}

type RoomKeysUploadRoom struct {
	Sessions map[ids.SessionID]*BackedUpSession `json:"sessions"`
}

type UploadResponse struct {
	ETag  string `json:"etag"`
	Count int64  `json:"count"`
}

type Client interface {
	QueryKeys(ctx context.Context, req *KeysQueryRequest) (*KeysQueryResponse, error)
	RoomKeysVersion(ctx context.Context) (*KeyBackupInfo, error)
	RoomKeyForRoomAndSession(ctx context.Context, version string, roomID ids.RoomID, sessionID ids.SessionID) (*BackedUpSession, error)
	UploadRoomKeysToBackup(ctx context.Context, version string, upload *RoomKeysUpload) (*UploadResponse, error)
}
