// This package provides a high-level interface to the parley room-key
// pipeline. It wires the device tracker, the key loader, batched decryption
// and the key backup over one encrypted database, and exposes the operations
// a sync engine drives: ingesting room-key messages, decrypting room events,
// applying membership deltas and recovering keys from backup.
package parley

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meow-io/go-parley/api"
	"github.com/meow-io/go-parley/backup"
	"github.com/meow-io/go-parley/clock"
	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/devices"
	"github.com/meow-io/go-parley/ids"
	db "github.com/meow-io/go-parley/internal/db"
	"github.com/meow-io/go-parley/megolm"
	"go.uber.org/zap"
)

const (
	// Constants for pipeline state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

// RoomKeyMessage is the decrypted content of a to-device room-key message.
type RoomKeyMessage struct {
	Algorithm         string         `json:"algorithm"`
	RoomID            ids.RoomID     `json:"room_id"`
	SessionID         ids.SessionID  `json:"session_id"`
	SessionKey        []byte         `json:"session_key"`
	SenderKey         ids.Curve25519 `json:"sender_key"`
	ClaimedEd25519Key ids.Ed25519    `json:"sender_claimed_ed25519_key"`
}

type Pipeline struct {
	Megolm    *megolm.Manager
	Devices   *devices.Tracker
	KeyBackup *backup.Backup

	log         *zap.SugaredLogger
	config      *config.Config
	db          *db.Database
	client      api.Client
	cipher      megolm.Cipher
	clock       clock.Clock
	ownUserID   ids.UserID
	ownDeviceID ids.DeviceID
	state       int
}

func NewPipeline(c *config.Config, client api.Client, cipher megolm.Cipher, cl clock.Clock, ownUserID ids.UserID, ownDeviceID ids.DeviceID) (*Pipeline, error) {
	log := c.Logger("parley")
	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, fmt.Errorf("parley: error making root dir: %w", err)
	}
	database, err := db.NewDatabase(c, filepath.Join(c.RootDir, "parley.db"))
	if err != nil {
		return nil, fmt.Errorf("parley: error making database: %w", err)
	}
	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}
	return &Pipeline{
		log:         log,
		config:      c,
		db:          database,
		client:      client,
		cipher:      cipher,
		clock:       cl,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		state:       state,
	}, nil
}

func (p *Pipeline) State() int {
	return p.state
}

func (p *Pipeline) Initialize(key []byte) error {
	if p.state != StateNew {
		return fmt.Errorf("parley: wrong state, expected %d got %d", StateNew, p.state)
	}
	if err := p.db.Initialize(key); err != nil {
		return err
	}
	p.state = StateInitialized
	return nil
}

func (p *Pipeline) Open(key []byte) error {
	if p.state != StateInitialized {
		return fmt.Errorf("parley: wrong state, expected %d got %d", StateInitialized, p.state)
	}
	if err := p.db.Open(key); err != nil {
		return err
	}
	var err error
	if p.Megolm, err = megolm.NewManager(p.config, p.db, p.cipher); err != nil {
		return err
	}
	if p.Devices, err = devices.NewTracker(p.config, p.db, p.client, p.ownUserID, p.ownDeviceID); err != nil {
		return err
	}
	p.state = StateRunning
	return nil
}

// EnableKeyBackup pins the server's current backup version and starts the
// background upload loop. The private key may be empty for an upload-only
// backup.
func (p *Pipeline) EnableKeyBackup(ctx context.Context, privateKey []byte) error {
	if p.state != StateRunning {
		return fmt.Errorf("parley: wrong state, expected %d got %d", StateRunning, p.state)
	}
	b, err := backup.New(ctx, p.config, p.db, p.Megolm, p.client, p.clock, privateKey)
	if err != nil {
		return err
	}
	p.KeyBackup = b
	b.Start()
	return nil
}

func (p *Pipeline) Shutdown() error {
	if p.state != StateRunning {
		return nil
	}
	if p.KeyBackup != nil {
		p.KeyBackup.Shutdown()
	}
	p.Megolm.Dispose()
	if err := p.db.Shutdown(); err != nil {
		return err
	}
	p.state = StateClosed
	return nil
}

// AddRoomKeys ingests room-key messages delivered by sync, persisting every
// key that is better than what is already held and queueing those for backup.
// Returns the keys that were written.
func (p *Pipeline) AddRoomKeys(messages []*RoomKeyMessage) ([]*megolm.RoomKey, error) {
	var keys []*megolm.RoomKey
	for _, msg := range messages {
		if msg.Algorithm != megolm.Algorithm {
			p.log.Warnf("ignoring room key with algorithm %q", msg.Algorithm)
			continue
		}
		if msg.RoomID == "" || msg.SessionID == "" || msg.SenderKey == "" || len(msg.SessionKey) == 0 {
			p.log.Warnf("ignoring malformed room key message for session %q", msg.SessionID)
			continue
		}
		keys = append(keys, megolm.NewDeviceMessageKey(msg.RoomID, msg.SenderKey, msg.SessionID, msg.ClaimedEd25519Key, msg.SessionKey))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var written []*megolm.RoomKey
	if err := p.db.Run("write room keys", func() error {
		for _, key := range keys {
			ok, err := p.Megolm.WriteKey(key)
			if err != nil {
				return err
			}
			if ok {
				written = append(written, key)
			}
		}
		if p.KeyBackup != nil {
			if _, err := p.KeyBackup.WriteKeys(written); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return written, nil
}

// DecryptRoomEvents decrypts a batch of events for one room. Storage is read
// in one transaction, decryption runs outside any transaction, and replay
// bookkeeping is committed in a second transaction; a failure there persists
// nothing.
func (p *Pipeline) DecryptRoomEvents(roomID ids.RoomID, events []*megolm.EncryptedEvent, newKeys []*megolm.RoomKey) (map[ids.EventID]*megolm.DecryptionResult, map[ids.EventID]*megolm.DecryptionError, error) {
	var prep *megolm.DecryptionPreparation
	if err := p.db.Run("prepare decryption", func() error {
		var err error
		prep, err = p.Megolm.PrepareDecryptAll(roomID, events, newKeys)
		return err
	}); err != nil {
		return nil, nil, err
	}

	changes, err := prep.Decrypt()
	if err != nil {
		return nil, nil, err
	}

	var results map[ids.EventID]*megolm.DecryptionResult
	var errs map[ids.EventID]*megolm.DecryptionError
	if err := p.db.Run("write decryption changes", func() error {
		var err error
		results, errs, err = p.Megolm.WriteDecryptionChanges(changes)
		return err
	}); err != nil {
		return nil, nil, err
	}
	return results, errs, nil
}

// TakePendingEvents drains the event ids that were waiting on a key, so the
// caller can requeue them for decryption.
func (p *Pipeline) TakePendingEvents(key *megolm.RoomKey) ([]ids.EventID, error) {
	var eventIDs []ids.EventID
	if err := p.db.Run("take pending events", func() error {
		var err error
		eventIDs, err = p.Megolm.TakePendingEvents(key.RoomID(), key.SenderKey(), key.SessionID())
		return err
	}); err != nil {
		return nil, err
	}
	return eventIDs, nil
}

// RecoverRoomKey pulls one key from the server backup and persists it if it
// improves on what is held locally.
func (p *Pipeline) RecoverRoomKey(ctx context.Context, roomID ids.RoomID, sessionID ids.SessionID) (*megolm.RoomKey, error) {
	if p.KeyBackup == nil {
		return nil, fmt.Errorf("parley: key backup is not enabled")
	}
	key, err := p.KeyBackup.GetRoomKey(ctx, roomID, sessionID)
	if err != nil || key == nil {
		return nil, err
	}
	if err := p.db.Run("write recovered room key", func() error {
		_, err := p.Megolm.WriteKey(key)
		return err
	}); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *Pipeline) TrackRoom(room devices.Room) error {
	return p.Devices.TrackRoom(room)
}

func (p *Pipeline) WriteMemberChanges(room devices.Room, changes []*devices.MemberChange) error {
	return p.Devices.WriteMemberChanges(room, changes)
}

func (p *Pipeline) DevicesForRoomMembers(ctx context.Context, roomID ids.RoomID, members []ids.UserID) ([]*devices.DeviceIdentity, error) {
	return p.Devices.DevicesForRoomMembers(ctx, roomID, members)
}
