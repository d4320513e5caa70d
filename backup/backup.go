// This package encrypts room keys to a server-held vault and recovers them
// from it. Individual keys are sealed against the backup public key; a
// background loop uploads keys not yet backed up in bounded batches.
package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-parley/api"
	"github.com/meow-io/go-parley/clock"
	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/crypto"
	"github.com/meow-io/go-parley/ids"
	db "github.com/meow-io/go-parley/internal/db"
	"github.com/meow-io/go-parley/megolm"
	"go.uber.org/zap"
)

const Algorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// sessionPayload is the plaintext wrapped inside a backed-up session.
type sessionPayload struct {
	Algorithm         string            `json:"algorithm"`
	SenderKey         ids.Curve25519    `json:"sender_key"`
	SessionKey        []byte            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`
}

// Backup is pinned to one server backup version for its whole lifetime; a new
// version on the server requires constructing a new Backup.
type Backup struct {
	log        *zap.SugaredLogger
	config     *config.Config
	db         *db.Database
	megolm     *megolm.Manager
	client     api.Client
	clock      clock.Clock
	info       *api.KeyBackupInfo
	privateKey []byte
	publicKey  []byte
	nudge      chan struct{}
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
}

// New fetches the current backup version and pins it. The private key must
// match the version's public key; a mismatched recovery key is rejected here
// rather than producing undecryptable pulls later.
func New(ctx context.Context, c *config.Config, internalDB *db.Database, mm *megolm.Manager, client api.Client, cl clock.Clock, privateKey []byte) (*Backup, error) {
	info, err := client.RoomKeysVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: error fetching backup version: %w", err)
	}
	if info.Algorithm != Algorithm {
		return nil, fmt.Errorf("backup: unsupported backup algorithm %q", info.Algorithm)
	}
	publicKey, err := base64.RawStdEncoding.DecodeString(info.AuthData.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("backup: error decoding backup public key: %w", err)
	}
	if len(privateKey) != 0 && !bytes.Equal(crypto.PublicKeyForPrivate(privateKey), publicKey) {
		return nil, fmt.Errorf("backup: private key does not match backup version %s", info.Version)
	}
	return &Backup{
		log:        c.Logger("backup"),
		config:     c,
		db:         internalDB,
		megolm:     mm,
		client:     client,
		clock:      cl,
		info:       info,
		privateKey: privateKey,
		publicKey:  publicKey,
		nudge:      make(chan struct{}, 1),
	}, nil
}

func (b *Backup) Version() string {
	return b.info.Version
}

// GetRoomKey pulls one wrapped session from the vault and unwraps it with the
// backup private key. Payloads for a different algorithm are logged and
// ignored, not fatal.
func (b *Backup) GetRoomKey(ctx context.Context, roomID ids.RoomID, sessionID ids.SessionID) (*megolm.RoomKey, error) {
	if len(b.privateKey) == 0 {
		return nil, fmt.Errorf("backup: no private key, cannot recover keys")
	}
	session, err := b.client.RoomKeyForRoomAndSession(ctx, b.info.Version, roomID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("backup: error fetching backed-up session: %w", err)
	}
	plain, err := crypto.OpenSealed(b.privateKey, session.SessionData, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: error unwrapping backed-up session: %w", err)
	}
	var payload sessionPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("backup: error decoding backed-up session: %w", err)
	}
	if payload.Algorithm != megolm.Algorithm {
		b.log.Warnf("ignoring backed-up session %s with algorithm %q", sessionID, payload.Algorithm)
		return nil, nil
	}
	claimedKey := ids.Ed25519(payload.SenderClaimedKeys["ed25519"])
	return megolm.NewBackupKey(roomID, payload.SenderKey, sessionID, claimedKey, payload.SessionKey), nil
}

// WriteKeys marks every key confirmed better than storage as needing backup.
// Runs inside the caller's transaction. Returns whether any key qualified.
func (b *Backup) WriteKeys(keys []*megolm.RoomKey) (bool, error) {
	var qualified []*megolm.RoomKey
	for _, key := range keys {
		if key.Quality() == megolm.QualityBetter {
			qualified = append(qualified, key)
		}
	}
	if len(qualified) == 0 {
		return false, nil
	}
	if err := b.megolm.MarkSessionsNeedingBackup(qualified); err != nil {
		return false, err
	}
	// wake the flush loop once the enclosing transaction lands
	b.db.AfterCommit(func() {
		select {
		case b.nudge <- struct{}{}:
		default:
		}
	})
	return true, nil
}

func (b *Backup) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	b.cancelFunc = cancelFunc
	b.finished.Add(1)
	go func() {
		defer b.finished.Done()
		b.flushLoop(ctx)
	}()
}

func (b *Backup) Shutdown() {
	if b.cancelFunc != nil {
		b.cancelFunc()
		b.finished.Wait()
	}
}

// flushLoop uploads pending keys on a jittered interval so a fleet of clients
// does not thunder in unison. Upload failures back off exponentially and are
// retried on the next pass; nothing is removed from the needing-backup set
// until an upload succeeds.
func (b *Backup) flushLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(b.config.BackupFlushIntervalMs) * time.Millisecond
	bo.RandomizationFactor = 0.5
	bo.MaxInterval = 8 * time.Duration(b.config.BackupFlushIntervalMs) * time.Millisecond
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(bo.NextBackOff()):
		case <-b.nudge:
		}
		if err := b.FlushOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warnf("error flushing keys to backup: %v", err)
			continue
		}
		bo.Reset()
	}
}

// FlushOnce uploads one bounded batch of keys needing backup. The upload and
// the acknowledgement run in separate transactions: a crash between them only
// causes a harmless re-upload, never a lost key.
func (b *Backup) FlushOnce(ctx context.Context) error {
	var keys []*megolm.RoomKey
	if err := b.db.Run("read keys needing backup", func() error {
		var err error
		keys, err = b.megolm.SessionsNeedingBackup(b.config.BackupBatchSize)
		return err
	}); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	upload := &api.RoomKeysUpload{Rooms: make(map[ids.RoomID]api.RoomKeysUploadRoom)}
	for _, key := range keys {
		exported, firstIndex, err := b.megolm.ExportKey(key)
		if err != nil {
			return err
		}
		plain, err := json.Marshal(&sessionPayload{
			Algorithm:  megolm.Algorithm,
			SenderKey:  key.SenderKey(),
			SessionKey: exported,
			SenderClaimedKeys: map[string]string{
				"ed25519": string(key.ClaimedEd25519Key()),
			},
		})
		if err != nil {
			return err
		}
		sealed, err := crypto.Seal(b.publicKey, plain, nil)
		if err != nil {
			return err
		}
		room, ok := upload.Rooms[key.RoomID()]
		if !ok {
			room = api.RoomKeysUploadRoom{Sessions: make(map[ids.SessionID]*api.BackedUpSession)}
			upload.Rooms[key.RoomID()] = room
		}
		room.Sessions[key.SessionID()] = &api.BackedUpSession{
			FirstMessageIndex: firstIndex,
			SessionData:       sealed,
		}
	}

	resp, err := b.client.UploadRoomKeysToBackup(ctx, b.info.Version, upload)
	if err != nil {
		return fmt.Errorf("backup: error uploading keys: %w", err)
	}
	b.log.Debugf("uploaded %d keys to backup, server count now %d", len(keys), resp.Count)

	return b.db.Run("acknowledge backed-up keys", func() error {
		return b.megolm.RemoveSessionsNeedingBackup(keys)
	})
}
