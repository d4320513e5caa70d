package megolm

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-parley/ids"
	db "github.com/meow-io/go-parley/internal/db"
	"github.com/meow-io/go-parley/migration"
)

const (
	backupColumnNotBackedUp = 0
	backupColumnBackedUp    = 1

	sourceColumnDeviceMessage = 0
	sourceColumnOutbound      = 1
	sourceColumnBackup        = 2
)

type inboundGroupSession struct {
	RoomID            string `db:"room_id"`
	SenderKey         string `db:"sender_key"`
	SessionID         string `db:"session_id"`
	Session           []byte `db:"session"`
	ClaimedEd25519Key string `db:"claimed_ed25519_key"`
	EventIDs          []byte `db:"event_ids"`
	Backup            int    `db:"backup"`
	Source            int    `db:"source"`
}

type groupSessionDecryption struct {
	RoomID       string `db:"room_id"`
	SessionID    string `db:"session_id"`
	MessageIndex uint32 `db:"message_index"`
	EventID      string `db:"event_id"`
	TimestampMs  uint64 `db:"timestamp_ms"`
}

type sessionNeedingBackup struct {
	RoomID    string `db:"room_id"`
	SenderKey string `db:"sender_key"`
	SessionID string `db:"session_id"`
}

func encodeEventIDs(eventIDs []ids.EventID) []byte {
	if len(eventIDs) == 0 {
		return nil
	}
	b, err := json.Marshal(eventIDs)
	if err != nil {
		panic("megolm: unable to encode event ids")
	}
	return b
}

func decodeEventIDs(b []byte) []ids.EventID {
	if len(b) == 0 {
		return nil
	}
	var eventIDs []ids.EventID
	if err := json.Unmarshal(b, &eventIDs); err != nil {
		return nil
	}
	return eventIDs
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_megolm", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _inbound_group_sessions (
						room_id STRING NOT NULL,
						sender_key STRING NOT NULL,
						session_id STRING NOT NULL,
						session BLOB,
						claimed_ed25519_key STRING NOT NULL,
						event_ids BLOB,
						backup INTEGER NOT NULL,
						source INTEGER NOT NULL,
						PRIMARY KEY (room_id, sender_key, session_id)
					);

					CREATE TABLE _group_session_decryptions (
						room_id STRING NOT NULL,
						session_id STRING NOT NULL,
						message_index INTEGER NOT NULL,
						event_id STRING NOT NULL,
						timestamp_ms INTEGER NOT NULL,
						PRIMARY KEY (room_id, session_id, message_index)
					);

					CREATE TABLE _sessions_needing_backup (
						room_id STRING NOT NULL,
						sender_key STRING NOT NULL,
						session_id STRING NOT NULL,
						PRIMARY KEY (room_id, sender_key, session_id)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) inboundGroupSession(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID) (*inboundGroupSession, bool, error) {
	s := &inboundGroupSession{}
	err := db.Tx.Get(s, "SELECT * FROM _inbound_group_sessions WHERE room_id = ? AND sender_key = ? AND session_id = ?", roomID, senderKey, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("megolm: error getting inbound group session: %w", err)
	}
	return s, true, nil
}

func (db *database) setInboundGroupSession(s *inboundGroupSession) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _inbound_group_sessions (room_id, sender_key, session_id, session, claimed_ed25519_key, event_ids, backup, source) VALUES (:room_id, :sender_key, :session_id, :session, :claimed_ed25519_key, :event_ids, :backup, :source) ON CONFLICT(room_id, sender_key, session_id) DO UPDATE SET session = :session, claimed_ed25519_key = :claimed_ed25519_key, event_ids = :event_ids, backup = :backup, source = :source", s); err != nil {
		return fmt.Errorf("megolm: error upserting inbound group session: %w", err)
	}
	return nil
}

func (db *database) setInboundGroupSessionEventIDs(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID, eventIDs []byte) error {
	if _, err := db.Tx.Exec("UPDATE _inbound_group_sessions SET event_ids = ? WHERE room_id = ? AND sender_key = ? AND session_id = ?", eventIDs, roomID, senderKey, sessionID); err != nil {
		return fmt.Errorf("megolm: error updating pending event ids: %w", err)
	}
	return nil
}

func (db *database) groupSessionDecryption(roomID ids.RoomID, sessionID ids.SessionID, messageIndex uint32) (*groupSessionDecryption, bool, error) {
	d := &groupSessionDecryption{}
	err := db.Tx.Get(d, "SELECT * FROM _group_session_decryptions WHERE room_id = ? AND session_id = ? AND message_index = ?", roomID, sessionID, messageIndex)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("megolm: error getting group session decryption: %w", err)
	}
	return d, true, nil
}

func (db *database) setGroupSessionDecryption(d *groupSessionDecryption) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _group_session_decryptions (room_id, session_id, message_index, event_id, timestamp_ms) VALUES (:room_id, :session_id, :message_index, :event_id, :timestamp_ms) ON CONFLICT(room_id, session_id, message_index) DO NOTHING", d); err != nil {
		return fmt.Errorf("megolm: error inserting group session decryption: %w", err)
	}
	return nil
}

func (db *database) addSessionNeedingBackup(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID) error {
	if _, err := db.Tx.Exec("INSERT INTO _sessions_needing_backup (room_id, sender_key, session_id) VALUES (?, ?, ?) ON CONFLICT(room_id, sender_key, session_id) DO NOTHING", roomID, senderKey, sessionID); err != nil {
		return fmt.Errorf("megolm: error adding session needing backup: %w", err)
	}
	return nil
}

func (db *database) sessionsNeedingBackup(limit int) ([]*sessionNeedingBackup, error) {
	var entries []*sessionNeedingBackup
	if err := db.Tx.Select(&entries, "SELECT * FROM _sessions_needing_backup ORDER BY room_id, sender_key, session_id LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("megolm: error getting sessions needing backup: %w", err)
	}
	return entries, nil
}

func (db *database) removeSessionNeedingBackup(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID) error {
	if _, err := db.Tx.Exec("DELETE FROM _sessions_needing_backup WHERE room_id = ? AND sender_key = ? AND session_id = ?", roomID, senderKey, sessionID); err != nil {
		return fmt.Errorf("megolm: error removing session needing backup: %w", err)
	}
	return nil
}

func (db *database) countSessionsNeedingBackup() (uint, error) {
	counter := &struct {
		Count uint `db:"backup_count"`
	}{Count: 0}
	if err := db.Tx.Get(counter, "SELECT count(*) AS backup_count FROM _sessions_needing_backup"); err != nil {
		return 0, fmt.Errorf("megolm: error counting sessions needing backup: %w", err)
	}
	return counter.Count, nil
}

func (db *database) markAllSessionsNeedingBackup() error {
	if _, err := db.Tx.Exec("INSERT INTO _sessions_needing_backup (room_id, sender_key, session_id) SELECT room_id, sender_key, session_id FROM _inbound_group_sessions WHERE true ON CONFLICT(room_id, sender_key, session_id) DO NOTHING"); err != nil {
		return fmt.Errorf("megolm: error marking all sessions for backup: %w", err)
	}
	return nil
}

func (db *database) markSessionBackedUp(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID) error {
	if _, err := db.Tx.Exec("UPDATE _inbound_group_sessions SET backup = ? WHERE room_id = ? AND sender_key = ? AND session_id = ?", backupColumnBackedUp, roomID, senderKey, sessionID); err != nil {
		return fmt.Errorf("megolm: error marking session backed up: %w", err)
	}
	return nil
}
