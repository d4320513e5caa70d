package megolm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meow-io/go-parley/ids"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// EncryptedEvent is one authenticated ciphertext room event handed to the
// pipeline by the sync engine.
type EncryptedEvent struct {
	ID             ids.EventID      `json:"event_id"`
	Type           string           `json:"type"`
	RoomID         ids.RoomID       `json:"room_id"`
	Sender         ids.UserID       `json:"sender"`
	OriginServerTS uint64           `json:"origin_server_ts"`
	Content        EncryptedContent `json:"content"`
}

type EncryptedContent struct {
	Algorithm  string         `json:"algorithm"`
	SenderKey  ids.Curve25519 `json:"sender_key"`
	SessionID  ids.SessionID  `json:"session_id"`
	Ciphertext string         `json:"ciphertext"`
}

func (ev *EncryptedEvent) validate() error {
	if ev.Content.Algorithm != Algorithm {
		return fmt.Errorf("megolm: unknown algorithm %q", ev.Content.Algorithm)
	}
	if ev.Content.SenderKey == "" || ev.Content.SessionID == "" || ev.Content.Ciphertext == "" {
		return fmt.Errorf("megolm: missing sender_key, session_id or ciphertext")
	}
	return nil
}

type DecryptionResult struct {
	Event               *EncryptedEvent
	Plaintext           json.RawMessage
	SenderCurve25519Key ids.Curve25519
	ClaimedEd25519Key   ids.Ed25519
}

type replayEntry struct {
	sessionID    ids.SessionID
	messageIndex uint32
	eventID      ids.EventID
	timestampMs  uint64
}

// SessionDecryption decrypts one batch of events sharing a single session.
// The session handle is acquired once and held for the whole batch; events
// are decrypted strictly in order under that one acquisition.
type SessionDecryption struct {
	log    *zap.SugaredLogger
	loader *KeyLoader
	key    *RoomKey
	events []*EncryptedEvent
}

func (sd *SessionDecryption) decryptAll(ctx context.Context) (map[ids.EventID]*DecryptionResult, map[ids.EventID]*DecryptionError, []*replayEntry, error) {
	results := make(map[ids.EventID]*DecryptionResult)
	errs := make(map[ids.EventID]*DecryptionError)
	var entries []*replayEntry

	err := sd.loader.UseKey(sd.key, func(session InboundSession) error {
		for _, ev := range sd.events {
			// deliberate cancellation is the only thing allowed to abort
			// the batch
			if err := ctx.Err(); err != nil {
				return err
			}

			ciphertext, err := base64.RawStdEncoding.DecodeString(ev.Content.Ciphertext)
			if err != nil {
				errs[ev.ID] = newDecryptionError(ErrInvalidEvent, ev.ID, err)
				continue
			}
			plaintext, index, err := session.Decrypt(ciphertext)
			if err != nil {
				errs[ev.ID] = newDecryptionError(ErrInvalidEvent, ev.ID, err)
				continue
			}

			var payload struct {
				RoomID ids.RoomID `json:"room_id"`
			}
			if err := json.Unmarshal(plaintext, &payload); err != nil {
				errs[ev.ID] = newDecryptionError(ErrPlaintextNotJSON, ev.ID, err)
				continue
			}
			// a key reused across rooms is an attack indicator
			if payload.RoomID != sd.key.roomID {
				errs[ev.ID] = newDecryptionError(ErrWrongRoom, ev.ID, nil)
				continue
			}

			entries = append(entries, &replayEntry{
				sessionID:    sd.key.sessionID,
				messageIndex: index,
				eventID:      ev.ID,
				timestampMs:  ev.OriginServerTS,
			})
			results[ev.ID] = &DecryptionResult{
				Event:               ev,
				Plaintext:           plaintext,
				SenderCurve25519Key: sd.key.senderKey,
				ClaimedEd25519Key:   sd.key.claimedEd25519Key,
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, err
		}
		// the session could not be materialized (corrupt pickle, disposed
		// loader); the group fails event by event, sibling sessions go on
		sd.log.Warnf("session %s unusable for decryption: %s", sd.key.sessionID, err)
		for _, ev := range sd.events {
			errs[ev.ID] = newDecryptionError(ErrNoSession, ev.ID, err)
		}
		return nil, errs, nil, nil
	}
	return results, errs, entries, nil
}

// DecryptionPreparation holds everything needed to decrypt one request's
// worth of events for a room: one SessionDecryption per distinct
// (sender key, session id) group, plus errors known before decryption starts.
type DecryptionPreparation struct {
	roomID             ids.RoomID
	sessionDecryptions []*SessionDecryption
	errors             map[ids.EventID]*DecryptionError
	ctx                context.Context
	cancel             context.CancelFunc
}

// Decrypt runs every session decryption concurrently and merges their
// results. Sessions are independent, so no cross-session ordering is
// guaranteed. All session decryptions are disposed afterwards.
func (p *DecryptionPreparation) Decrypt() (*DecryptionChanges, error) {
	defer p.Dispose()

	changes := &DecryptionChanges{
		roomID:  p.roomID,
		results: make(map[ids.EventID]*DecryptionResult),
		errors:  maps.Clone(p.errors),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(p.ctx)
	for _, sd := range p.sessionDecryptions {
		sd := sd
		g.Go(func() error {
			results, errs, entries, err := sd.decryptAll(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for id, r := range results {
				changes.results[id] = r
			}
			for id, e := range errs {
				changes.errors[id] = e
			}
			changes.replayEntries = append(changes.replayEntries, entries...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return changes, nil
}

// Dispose aborts outstanding decryptions. Safe to call mid-flight and more
// than once.
func (p *DecryptionPreparation) Dispose() {
	p.cancel()
}

// DecryptionChanges carries decrypted results plus the replay bookkeeping
// that still has to be committed in a storage transaction.
type DecryptionChanges struct {
	roomID        ids.RoomID
	results       map[ids.EventID]*DecryptionResult
	errors        map[ids.EventID]*DecryptionError
	replayEntries []*replayEntry
}

// write commits replay-detection entries. A second decryption of the same
// (session, index) with the same event id is idempotent; with a different
// event id it is a replay, in which case the later-arriving result by origin
// timestamp is discarded and an error carrying both event ids is surfaced.
func (c *DecryptionChanges) write(d *database) (map[ids.EventID]*DecryptionResult, map[ids.EventID]*DecryptionError, error) {
	for _, e := range c.replayEntries {
		existing, ok, err := d.groupSessionDecryption(c.roomID, e.sessionID, e.messageIndex)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			if err := d.setGroupSessionDecryption(&groupSessionDecryption{
				RoomID:       string(c.roomID),
				SessionID:    string(e.sessionID),
				MessageIndex: e.messageIndex,
				EventID:      string(e.eventID),
				TimestampMs:  e.timestampMs,
			}); err != nil {
				return nil, nil, err
			}
			continue
		}
		if existing.EventID == string(e.eventID) {
			continue
		}

		droppedID, otherID := e.eventID, ids.EventID(existing.EventID)
		if e.timestampMs < existing.TimestampMs {
			droppedID, otherID = otherID, droppedID
		}
		delete(c.results, droppedID)
		c.errors[droppedID] = &DecryptionError{
			Code:         ErrReplayedIndex,
			EventID:      droppedID,
			OtherEventID: otherID,
		}
	}
	return c.results, c.errors, nil
}
