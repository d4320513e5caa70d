// This package maintains per-user device lists for encrypted rooms. Users in
// tracked rooms move between Outdated and UpToDate as sync reports device
// changes; outdated users are refreshed through a batched keys-query whose
// every device entry is validated before it is trusted.
package devices

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-parley/api"
	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/crypto"
	"github.com/meow-io/go-parley/ids"
	db "github.com/meow-io/go-parley/internal/db"
	"go.uber.org/zap"
)

// DeviceIdentity is an immutable, signature-validated device record. A device
// re-registering with a different signing key supersedes the old record
// rather than mutating it.
type DeviceIdentity struct {
	UserID        ids.UserID
	DeviceID      ids.DeviceID
	Ed25519Key    ids.Ed25519
	Curve25519Key ids.Curve25519
	Algorithms    []string
	DisplayName   string
}

// Room is the slice of the sync engine's room state the tracker needs.
type Room interface {
	ID() ids.RoomID
	IsEncrypted() bool
	JoinedMembers() ([]ids.UserID, error)
}

const (
	MembershipJoin  = "join"
	MembershipLeave = "leave"
)

type MemberChange struct {
	UserID     ids.UserID
	Membership string
}

type Tracker struct {
	log         *zap.SugaredLogger
	config      *config.Config
	db          *database
	client      api.Client
	ownUserID   ids.UserID
	ownDeviceID ids.DeviceID
}

func NewTracker(c *config.Config, internalDB *db.Database, client api.Client, ownUserID ids.UserID, ownDeviceID ids.DeviceID) (*Tracker, error) {
	log := c.Logger("devices/tracker")
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("devices: error making tracker: %w", err)
	}
	return &Tracker{
		log:         log,
		config:      c,
		db:          d,
		client:      client,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
	}, nil
}

// TrackRoom starts tracking an encrypted room, associating every currently
// joined member with it. Idempotent; unencrypted rooms are ignored.
func (t *Tracker) TrackRoom(room Room) error {
	if !room.IsEncrypted() {
		return nil
	}
	return t.db.Run("track room", func() error {
		tracked, err := t.db.trackedRoom(room.ID())
		if err != nil {
			return err
		}
		if tracked {
			return nil
		}
		members, err := room.JoinedMembers()
		if err != nil {
			return err
		}
		if err := t.db.setTrackedRoom(room.ID()); err != nil {
			return err
		}
		for _, userID := range members {
			if err := t.associate(userID, room.ID()); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkOutdated flags users whose device lists sync reported as changed.
func (t *Tracker) MarkOutdated(userIDs []ids.UserID) error {
	return t.db.Run("mark outdated", func() error {
		for _, userID := range userIDs {
			if _, ok, err := t.db.userIdentity(userID); err != nil {
				return err
			} else if !ok {
				continue
			}
			if err := t.db.setTrackingStatus(userID, TrackingStatusOutdated); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteMemberChanges applies membership deltas for a tracked room. Leaving
// the last shared encrypted room deletes the user's identity and every cached
// device, which is the primary GC mechanism for device keys.
func (t *Tracker) WriteMemberChanges(room Room, changes []*MemberChange) error {
	if !room.IsEncrypted() {
		return nil
	}
	return t.db.Run("write member changes", func() error {
		tracked, err := t.db.trackedRoom(room.ID())
		if err != nil {
			return err
		}
		if !tracked {
			return nil
		}
		for _, change := range changes {
			switch change.Membership {
			case MembershipJoin:
				if err := t.associate(change.UserID, room.ID()); err != nil {
					return err
				}
			case MembershipLeave:
				if err := t.disassociate(change.UserID, room.ID()); err != nil {
					return err
				}
			default:
				t.log.Debugf("ignoring membership %q for %s", change.Membership, change.UserID)
			}
		}
		return nil
	})
}

func (t *Tracker) associate(userID ids.UserID, roomID ids.RoomID) error {
	if _, ok, err := t.db.userIdentity(userID); err != nil {
		return err
	} else if !ok {
		if err := t.db.setUserIdentity(&userIdentity{UserID: string(userID), TrackingStatus: TrackingStatusOutdated}); err != nil {
			return err
		}
	}
	return t.db.addUserRoom(userID, roomID)
}

func (t *Tracker) disassociate(userID ids.UserID, roomID ids.RoomID) error {
	if err := t.db.removeUserRoom(userID, roomID); err != nil {
		return err
	}
	count, err := t.db.userRoomCount(userID)
	if err != nil {
		return err
	}
	if count != 0 {
		return nil
	}
	// last shared encrypted room, drop the identity and all device keys
	if err := t.db.removeAllDevicesForUser(userID); err != nil {
		return err
	}
	return t.db.removeUserIdentity(userID)
}

// DevicesForTrackedRoom returns validated devices for every joined member of
// a tracked room, refreshing outdated users first.
func (t *Tracker) DevicesForTrackedRoom(ctx context.Context, room Room) ([]*DeviceIdentity, error) {
	members, err := room.JoinedMembers()
	if err != nil {
		return nil, err
	}
	return t.DevicesForRoomMembers(ctx, room.ID(), members)
}

// DevicesForRoomMembers partitions the users into up-to-date ones served from
// the local cache and outdated ones refreshed with one batched keys-query,
// then returns the union. The local device is excluded from results.
func (t *Tracker) DevicesForRoomMembers(ctx context.Context, roomID ids.RoomID, userIDs []ids.UserID) ([]*DeviceIdentity, error) {
	var outdated []ids.UserID
	if err := t.db.Run("partition tracking status", func() error {
		outdated = outdated[:0]
		for _, userID := range userIDs {
			identity, ok, err := t.db.userIdentity(userID)
			if err != nil {
				return err
			}
			if !ok {
				if err := t.associate(userID, roomID); err != nil {
					return err
				}
				outdated = append(outdated, userID)
				continue
			}
			if identity.TrackingStatus == TrackingStatusOutdated {
				outdated = append(outdated, userID)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// no transaction may span the network call
	if len(outdated) != 0 {
		if err := t.queryKeys(ctx, outdated); err != nil {
			return nil, err
		}
	}

	var result []*DeviceIdentity
	if err := t.db.RunReadOnly("read devices", func() error {
		for _, userID := range userIDs {
			rows, err := t.db.devicesForUser(userID)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if ids.UserID(row.UserID) == t.ownUserID && ids.DeviceID(row.DeviceID) == t.ownDeviceID {
					continue
				}
				result = append(result, row.identity())
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// GetDevice returns the cached validated record for one device, or nil when
// the device is unknown.
func (t *Tracker) GetDevice(userID ids.UserID, deviceID ids.DeviceID) (*DeviceIdentity, error) {
	var identity *DeviceIdentity
	if err := t.db.RunReadOnly("device by id", func() error {
		row, ok, err := t.db.deviceIdentity(userID, deviceID)
		if err != nil || !ok {
			return err
		}
		identity = row.identity()
		return nil
	}); err != nil {
		return nil, err
	}
	return identity, nil
}

// GetDeviceByCurve25519Key looks a device up by its identity key, used to
// cross-check the sender of a room key against verified device records.
func (t *Tracker) GetDeviceByCurve25519Key(key ids.Curve25519) (*DeviceIdentity, error) {
	var identity *DeviceIdentity
	if err := t.db.RunReadOnly("device by curve25519 key", func() error {
		row, ok, err := t.db.deviceByCurve25519Key(key)
		if err != nil || !ok {
			return err
		}
		identity = row.identity()
		return nil
	}); err != nil {
		return nil, err
	}
	return identity, nil
}

// queryKeys issues one keys-query covering all outdated users and merges the
// validated response, flipping each user to UpToDate.
func (t *Tracker) queryKeys(ctx context.Context, userIDs []ids.UserID) error {
	deviceKeys := make(map[ids.UserID][]ids.DeviceID, len(userIDs))
	for _, userID := range userIDs {
		deviceKeys[userID] = []ids.DeviceID{}
	}
	resp, err := t.client.QueryKeys(ctx, &api.KeysQueryRequest{
		DeviceKeys: deviceKeys,
		TimeoutMs:  t.config.QueryKeysTimeoutMs,
	})
	if err != nil {
		return fmt.Errorf("devices: error querying keys: %w", err)
	}

	verified := t.validateResponse(resp)

	return t.db.Run("merge queried keys", func() error {
		for _, userID := range userIDs {
			if err := t.mergeUserDevices(userID, verified[userID]); err != nil {
				return err
			}
			if err := t.db.setTrackingStatus(userID, TrackingStatusUpToDate); err != nil {
				return err
			}
		}
		return nil
	})
}

// validateResponse checks every returned device entry before trusting it.
// Failures are logged and skipped, never fatal to the whole query.
func (t *Tracker) validateResponse(resp *api.KeysQueryResponse) map[ids.UserID][]*DeviceIdentity {
	verified := make(map[ids.UserID][]*DeviceIdentity)
	seenCurveKeys := make(map[ids.Curve25519]bool)

	for userID, deviceSections := range resp.DeviceKeys {
		for deviceID, raw := range deviceSections {
			var section api.DeviceSection
			if err := json.Unmarshal(raw, &section); err != nil {
				t.log.Warnf("skipping undecodable device section for %s/%s: %s", userID, deviceID, raw)
				continue
			}
			if section.UserID != userID || section.DeviceID != deviceID {
				t.log.Warnf("device section filed under %s/%s claims to be %s/%s, skipping", userID, deviceID, section.UserID, section.DeviceID)
				continue
			}
			ed25519Key := section.Keys["ed25519:"+string(deviceID)]
			curve25519Key := section.Keys["curve25519:"+string(deviceID)]
			if ed25519Key == "" || curve25519Key == "" {
				t.log.Warnf("device section for %s/%s missing signing or identity key, skipping", userID, deviceID)
				continue
			}
			// the same identity key under two devices is a sign of
			// impersonation
			if seenCurveKeys[ids.Curve25519(curve25519Key)] {
				t.log.Warnf("duplicate curve25519 key %s for %s/%s, skipping", curve25519Key, userID, deviceID)
				continue
			}
			if err := crypto.VerifySignedJSON(raw, string(userID), "ed25519:"+string(deviceID), ed25519Key); err != nil {
				t.log.Warnf("invalid self-signature for %s/%s, skipping: %v: %s", userID, deviceID, err, raw)
				continue
			}
			seenCurveKeys[ids.Curve25519(curve25519Key)] = true
			verified[userID] = append(verified[userID], &DeviceIdentity{
				UserID:        userID,
				DeviceID:      deviceID,
				Ed25519Key:    ids.Ed25519(ed25519Key),
				Curve25519Key: ids.Curve25519(curve25519Key),
				Algorithms:    section.Algorithms,
				DisplayName:   section.Unsigned.DeviceDisplayName,
			})
		}
	}
	return verified
}

// mergeUserDevices diffs verified devices against what is known: devices no
// longer present are removed and a device returning with a different signing
// key overwrites the old record.
func (t *Tracker) mergeUserDevices(userID ids.UserID, verified []*DeviceIdentity) error {
	known, err := t.db.devicesForUser(userID)
	if err != nil {
		return err
	}
	current := make(map[ids.DeviceID]bool, len(verified))
	for _, device := range verified {
		current[device.DeviceID] = true
	}
	for _, row := range known {
		if !current[ids.DeviceID(row.DeviceID)] {
			if err := t.db.removeDeviceIdentity(userID, ids.DeviceID(row.DeviceID)); err != nil {
				return err
			}
		}
	}
	for _, device := range verified {
		algorithms, err := json.Marshal(device.Algorithms)
		if err != nil {
			return err
		}
		if err := t.db.setDeviceIdentity(&deviceIdentity{
			UserID:        string(device.UserID),
			DeviceID:      string(device.DeviceID),
			Ed25519Key:    string(device.Ed25519Key),
			Curve25519Key: string(device.Curve25519Key),
			Algorithms:    algorithms,
			DisplayName:   device.DisplayName,
		}); err != nil {
			return err
		}
	}
	return nil
}
