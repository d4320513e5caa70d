package megolm

import (
	"context"
	"fmt"

	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/ids"
	db "github.com/meow-io/go-parley/internal/db"
	"go.uber.org/zap"
)

// Manager owns the key loader and the megolm storage tables. Methods that
// read or write storage must run inside a transaction on the shared database.
type Manager struct {
	log    *zap.SugaredLogger
	config *config.Config
	db     *database
	loader *KeyLoader
}

func NewManager(c *config.Config, internalDB *db.Database, cipher Cipher) (*Manager, error) {
	log := c.Logger("megolm/manager")
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("megolm: error making manager: %w", err)
	}
	return &Manager{
		log:    log,
		config: c,
		db:     d,
		loader: NewKeyLoader(c, cipher),
	}, nil
}

func (m *Manager) Loader() *KeyLoader {
	return m.loader
}

func (m *Manager) Dispose() {
	m.loader.Dispose()
}

// CheckBetterThanStored resolves whether key is strictly better than whatever
// is cached or stored for the same session.
func (m *Manager) CheckBetterThanStored(key *RoomKey) (bool, error) {
	return key.checkBetterThanStored(m.loader, m.db)
}

// WriteKey persists key unless a better copy already exists. Returns whether
// storage was changed.
func (m *Manager) WriteKey(key *RoomKey) (bool, error) {
	return key.write(m.loader, m.db)
}

// StoredKey reads back the persisted key for a session, if one exists.
func (m *Manager) StoredKey(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID) (*RoomKey, bool, error) {
	row, ok, err := m.db.inboundGroupSession(roomID, senderKey, sessionID)
	if err != nil || !ok || len(row.Session) == 0 {
		return nil, false, err
	}
	return newStoredKey(row), true, nil
}

// RegisterMissingSessionEvent records an event id against a session that has
// no key yet, so the event can be retried once the key arrives.
func (m *Manager) RegisterMissingSessionEvent(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID, eventID ids.EventID) error {
	row, ok, err := m.db.inboundGroupSession(roomID, senderKey, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return m.db.setInboundGroupSession(&inboundGroupSession{
			RoomID:    string(roomID),
			SenderKey: string(senderKey),
			SessionID: string(sessionID),
			EventIDs:  encodeEventIDs([]ids.EventID{eventID}),
			Backup:    backupColumnNotBackedUp,
			Source:    sourceColumnDeviceMessage,
		})
	}
	merged := mergeEventIDs(decodeEventIDs(row.EventIDs), []ids.EventID{eventID})
	return m.db.setInboundGroupSessionEventIDs(roomID, senderKey, sessionID, encodeEventIDs(merged))
}

// TakePendingEvents drains the backlog of event ids waiting on a session.
func (m *Manager) TakePendingEvents(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID) ([]ids.EventID, error) {
	row, ok, err := m.db.inboundGroupSession(roomID, senderKey, sessionID)
	if err != nil || !ok {
		return nil, err
	}
	eventIDs := decodeEventIDs(row.EventIDs)
	if len(eventIDs) == 0 {
		return nil, nil
	}
	if err := m.db.setInboundGroupSessionEventIDs(roomID, senderKey, sessionID, nil); err != nil {
		return nil, err
	}
	return eventIDs, nil
}

// PrepareDecryptAll groups events by (sender key, session id) and resolves
// the best available key for each group, checking newly received candidate
// keys first, then the loader cache, then storage. Groups with no resolvable
// key are recorded as errors, not retried automatically.
func (m *Manager) PrepareDecryptAll(roomID ids.RoomID, events []*EncryptedEvent, newKeys []*RoomKey) (*DecryptionPreparation, error) {
	type groupIdentity struct {
		senderKey ids.Curve25519
		sessionID ids.SessionID
	}
	errs := make(map[ids.EventID]*DecryptionError)
	groups := make(map[groupIdentity][]*EncryptedEvent)
	var order []groupIdentity

	for _, ev := range events {
		if err := ev.validate(); err != nil {
			errs[ev.ID] = newDecryptionError(ErrInvalidEvent, ev.ID, err)
			continue
		}
		g := groupIdentity{ev.Content.SenderKey, ev.Content.SessionID}
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], ev)
	}

	var sessionDecryptions []*SessionDecryption
	for _, g := range order {
		key, err := m.resolveKey(roomID, g.senderKey, g.sessionID, newKeys)
		if err != nil {
			return nil, err
		}
		if key == nil {
			for _, ev := range groups[g] {
				errs[ev.ID] = newDecryptionError(ErrNoSession, ev.ID, nil)
				if err := m.RegisterMissingSessionEvent(roomID, g.senderKey, g.sessionID, ev.ID); err != nil {
					return nil, err
				}
			}
			continue
		}
		sessionDecryptions = append(sessionDecryptions, &SessionDecryption{
			log:    m.log,
			loader: m.loader,
			key:    key,
			events: groups[g],
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DecryptionPreparation{
		roomID:             roomID,
		sessionDecryptions: sessionDecryptions,
		errors:             errs,
		ctx:                ctx,
		cancel:             cancel,
	}, nil
}

func (m *Manager) resolveKey(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID, newKeys []*RoomKey) (*RoomKey, error) {
	for _, key := range newKeys {
		if !key.IsForSession(roomID, senderKey, sessionID) {
			continue
		}
		better, err := key.checkBetterThanStored(m.loader, m.db)
		if err != nil {
			return nil, err
		}
		if better {
			return key, nil
		}
	}
	if key := m.loader.GetCachedKey(roomID, senderKey, sessionID); key != nil {
		return key, nil
	}
	key, ok, err := m.StoredKey(roomID, senderKey, sessionID)
	if err != nil || !ok {
		return nil, err
	}
	return key, nil
}

// WriteDecryptionChanges commits replay bookkeeping for a decrypted batch and
// returns the final result and error maps.
func (m *Manager) WriteDecryptionChanges(changes *DecryptionChanges) (map[ids.EventID]*DecryptionResult, map[ids.EventID]*DecryptionError, error) {
	return changes.write(m.db)
}

// ExportKey exports the session at its first known index, for upload to the
// server-held backup.
func (m *Manager) ExportKey(key *RoomKey) ([]byte, uint32, error) {
	var exported []byte
	var firstIndex uint32
	err := m.loader.UseKey(key, func(session InboundSession) error {
		firstIndex = session.FirstKnownIndex()
		var err error
		exported, err = session.Export(firstIndex)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return exported, firstIndex, nil
}

// MarkSessionsNeedingBackup appends sessions to the needing-backup set.
func (m *Manager) MarkSessionsNeedingBackup(keys []*RoomKey) error {
	for _, key := range keys {
		if err := m.db.addSessionNeedingBackup(key.roomID, key.senderKey, key.sessionID); err != nil {
			return err
		}
	}
	return nil
}

// SessionsNeedingBackup reads a bounded batch of stored keys still waiting
// for upload. Entries whose session has disappeared are skipped.
func (m *Manager) SessionsNeedingBackup(limit int) ([]*RoomKey, error) {
	entries, err := m.db.sessionsNeedingBackup(limit)
	if err != nil {
		return nil, err
	}
	keys := make([]*RoomKey, 0, len(entries))
	for _, e := range entries {
		key, ok, err := m.StoredKey(ids.RoomID(e.RoomID), ids.Curve25519(e.SenderKey), ids.SessionID(e.SessionID))
		if err != nil {
			return nil, err
		}
		if !ok {
			m.log.Warnf("session %s needing backup has no stored key, dropping", e.SessionID)
			if err := m.db.removeSessionNeedingBackup(ids.RoomID(e.RoomID), ids.Curve25519(e.SenderKey), ids.SessionID(e.SessionID)); err != nil {
				return nil, err
			}
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// RemoveSessionsNeedingBackup acknowledges uploaded keys, removing them from
// the needing-backup set and flagging the stored rows as backed up.
func (m *Manager) RemoveSessionsNeedingBackup(keys []*RoomKey) error {
	for _, key := range keys {
		if err := m.db.removeSessionNeedingBackup(key.roomID, key.senderKey, key.sessionID); err != nil {
			return err
		}
		if err := m.db.markSessionBackedUp(key.roomID, key.senderKey, key.sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) CountSessionsNeedingBackup() (uint, error) {
	return m.db.countSessionsNeedingBackup()
}

// MarkAllSessionsForBackup queues every stored session for (re-)upload, used
// after the backup is re-keyed.
func (m *Manager) MarkAllSessionsForBackup() error {
	return m.db.markAllSessionsNeedingBackup()
}
