package megolm

import (
	"bytes"
	"fmt"

	"github.com/meow-io/go-parley/ids"
	"golang.org/x/exp/slices"
)

// KeySource is the closed set of ways a room key can arrive.
type KeySource int

const (
	SourceDeviceMessage KeySource = iota
	SourceOutbound
	SourceBackup
	SourceStored
)

func (s KeySource) String() string {
	switch s {
	case SourceDeviceMessage:
		return "device_message"
	case SourceOutbound:
		return "outbound"
	case SourceBackup:
		return "backup"
	case SourceStored:
		return "stored"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Quality is the tri-state result of comparing a key against whatever is
// already cached or stored for the same session. It is resolved at most once
// per key instance.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityBetter
	QualityNotBetter
)

// RoomKey is a candidate or confirmed decryption key for one
// (room, sender, session) triple. Exactly one serialization payload is set,
// determined by the source: a session key to create from, an export to
// import, or a local pickle.
type RoomKey struct {
	roomID            ids.RoomID
	senderKey         ids.Curve25519
	sessionID         ids.SessionID
	source            KeySource
	claimedEd25519Key ids.Ed25519

	sessionKey []byte // SourceDeviceMessage, SourceOutbound
	exported   []byte // SourceBackup
	pickle     []byte // SourceStored

	// for SourceStored, the source column the row was written with
	storedSource KeySource
	backedUp     bool

	quality  Quality
	eventIDs []ids.EventID
}

func NewDeviceMessageKey(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID, claimedKey ids.Ed25519, sessionKey []byte) *RoomKey {
	return &RoomKey{
		roomID:            roomID,
		senderKey:         senderKey,
		sessionID:         sessionID,
		source:            SourceDeviceMessage,
		claimedEd25519Key: claimedKey,
		sessionKey:        sessionKey,
	}
}

// NewOutboundKey makes the inbound copy of a freshly created outbound
// session. Nothing can be better than a key we just authored, so its quality
// is already resolved.
func NewOutboundKey(roomID ids.RoomID, senderKey ids.Curve25519, claimedKey ids.Ed25519, outbound *OutboundSession) (*RoomKey, error) {
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		return nil, err
	}
	return &RoomKey{
		roomID:            roomID,
		senderKey:         senderKey,
		sessionID:         outbound.ID(),
		source:            SourceOutbound,
		claimedEd25519Key: claimedKey,
		sessionKey:        sessionKey,
		quality:           QualityBetter,
	}, nil
}

func NewBackupKey(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID, claimedKey ids.Ed25519, exported []byte) *RoomKey {
	return &RoomKey{
		roomID:            roomID,
		senderKey:         senderKey,
		sessionID:         sessionID,
		source:            SourceBackup,
		claimedEd25519Key: claimedKey,
		exported:          exported,
		backedUp:          true,
	}
}

// newStoredKey wraps a row read back from storage. A stored key is assumed
// best until a comparison proves otherwise.
func newStoredKey(row *inboundGroupSession) *RoomKey {
	source := SourceDeviceMessage
	switch row.Source {
	case sourceColumnOutbound:
		source = SourceOutbound
	case sourceColumnBackup:
		source = SourceBackup
	}
	return &RoomKey{
		roomID:            ids.RoomID(row.RoomID),
		senderKey:         ids.Curve25519(row.SenderKey),
		sessionID:         ids.SessionID(row.SessionID),
		source:            SourceStored,
		storedSource:      source,
		claimedEd25519Key: ids.Ed25519(row.ClaimedEd25519Key),
		pickle:            row.Session,
		backedUp:          row.Backup == backupColumnBackedUp,
		quality:           QualityBetter,
		eventIDs:          decodeEventIDs(row.EventIDs),
	}
}

func (k *RoomKey) RoomID() ids.RoomID          { return k.roomID }
func (k *RoomKey) SenderKey() ids.Curve25519   { return k.senderKey }
func (k *RoomKey) SessionID() ids.SessionID    { return k.sessionID }
func (k *RoomKey) Source() KeySource           { return k.source }
func (k *RoomKey) ClaimedEd25519Key() ids.Ed25519 { return k.claimedEd25519Key }
func (k *RoomKey) Quality() Quality            { return k.quality }

func (k *RoomKey) IsForSession(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID) bool {
	return k.roomID == roomID && k.senderKey == senderKey && k.sessionID == sessionID
}

func (k *RoomKey) sameSession(other *RoomKey) bool {
	return other.IsForSession(k.roomID, k.senderKey, k.sessionID)
}

// sameInstance reports whether two keys have the same session identity and
// the same serialization payload, meaning they would materialize to an
// identical handle.
func (k *RoomKey) sameInstance(other *RoomKey) bool {
	return k.sameSession(other) &&
		k.source == other.source &&
		bytes.Equal(k.serialization(), other.serialization())
}

func (k *RoomKey) serialization() []byte {
	switch k.source {
	case SourceDeviceMessage, SourceOutbound:
		return k.sessionKey
	case SourceBackup:
		return k.exported
	default:
		return k.pickle
	}
}

// AddPendingEvent records an event id that could not be decrypted because
// this exact session was missing when it arrived.
func (k *RoomKey) AddPendingEvent(eventID ids.EventID) {
	if slices.Contains(k.eventIDs, eventID) {
		return
	}
	k.eventIDs = append(k.eventIDs, eventID)
}

func (k *RoomKey) PendingEvents() []ids.EventID {
	return k.eventIDs
}

func (k *RoomKey) loadInto(c Cipher, pickleKey []byte) (InboundSession, error) {
	switch k.source {
	case SourceDeviceMessage, SourceOutbound:
		return c.Create(k.sessionKey)
	case SourceBackup:
		return c.Import(k.exported)
	case SourceStored:
		return c.Unpickle(pickleKey, k.pickle)
	default:
		return nil, fmt.Errorf("megolm: unknown key source %d", int(k.source))
	}
}
