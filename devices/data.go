package devices

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
	// user identity tracking states
	TrackingStatusOutdated = 0
	TrackingStatusUpToDate = 1
)

type userIdentity struct {
	UserID         string `db:"user_id"`
	TrackingStatus int    `db:"tracking_status"`
}

type userRoom struct {
	UserID string `db:"user_id"`
	RoomID string `db:"room_id"`
}

type deviceIdentity struct {
	UserID        string `db:"user_id"`
	DeviceID      string `db:"device_id"`
	Ed25519Key    string `db:"ed25519_key"`
	Curve25519Key string `db:"curve25519_key"`
	Algorithms    []byte `db:"algorithms"`
	DisplayName   string `db:"display_name"`
}

func (d *deviceIdentity) identity() *DeviceIdentity {
	var algorithms []string
	if len(d.Algorithms) != 0 {
		_ = json.Unmarshal(d.Algorithms, &algorithms)
	}
	return &DeviceIdentity{
		UserID:        ids.UserID(d.UserID),
		DeviceID:      ids.DeviceID(d.DeviceID),
		Ed25519Key:    ids.Ed25519(d.Ed25519Key),
		Curve25519Key: ids.Curve25519(d.Curve25519Key),
		Algorithms:    algorithms,
		DisplayName:   d.DisplayName,
	}
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_devices", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _user_identities (
						user_id STRING PRIMARY KEY,
						tracking_status INTEGER NOT NULL
					);

					CREATE TABLE _user_rooms (
						user_id STRING NOT NULL,
						room_id STRING NOT NULL,
						PRIMARY KEY (user_id, room_id),
						FOREIGN KEY (user_id) REFERENCES _user_identities(user_id) ON DELETE CASCADE
					);
					CREATE INDEX user_rooms_room_id_idx on _user_rooms (room_id);

					CREATE TABLE _device_identities (
						user_id STRING NOT NULL,
						device_id STRING NOT NULL,
						ed25519_key STRING NOT NULL,
						curve25519_key STRING NOT NULL,
						algorithms BLOB,
						display_name STRING NOT NULL,
						PRIMARY KEY (user_id, device_id)
					);
					CREATE INDEX device_identities_curve25519_idx on _device_identities (curve25519_key);

					CREATE TABLE _tracked_rooms (
						room_id STRING PRIMARY KEY
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

func (db *database) userIdentity(userID ids.UserID) (*userIdentity, bool, error) {
	u := &userIdentity{}
	err := db.Tx.Get(u, "SELECT * FROM _user_identities WHERE user_id = ?", userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("devices: error getting user identity: %w", err)
	}
	return u, true, nil
}

func (db *database) setUserIdentity(u *userIdentity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _user_identities (user_id, tracking_status) VALUES (:user_id, :tracking_status) ON CONFLICT(user_id) DO UPDATE SET tracking_status = :tracking_status", u); err != nil {
		return fmt.Errorf("devices: error upserting user identity: %w", err)
	}
	return nil
}

func (db *database) removeUserIdentity(userID ids.UserID) error {
	if _, err := db.Tx.Exec("DELETE FROM _user_identities WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("devices: error removing user identity: %w", err)
	}
	return nil
}

func (db *database) setTrackingStatus(userID ids.UserID, status int) error {
	if _, err := db.Tx.Exec("UPDATE _user_identities SET tracking_status = ? WHERE user_id = ?", status, userID); err != nil {
		return fmt.Errorf("devices: error updating tracking status: %w", err)
	}
	return nil
}

func (db *database) addUserRoom(userID ids.UserID, roomID ids.RoomID) error {
	if _, err := db.Tx.Exec("INSERT INTO _user_rooms (user_id, room_id) VALUES (?, ?) ON CONFLICT(user_id, room_id) DO NOTHING", userID, roomID); err != nil {
		return fmt.Errorf("devices: error adding user room: %w", err)
	}
	return nil
}

func (db *database) removeUserRoom(userID ids.UserID, roomID ids.RoomID) error {
	if _, err := db.Tx.Exec("DELETE FROM _user_rooms WHERE user_id = ? AND room_id = ?", userID, roomID); err != nil {
		return fmt.Errorf("devices: error removing user room: %w", err)
	}
	return nil
}

func (db *database) userRoomCount(userID ids.UserID) (uint, error) {
	counter := &struct {
		Count uint `db:"room_count"`
	}{Count: 0}
	if err := db.Tx.Get(counter, "SELECT count(*) AS room_count FROM _user_rooms WHERE user_id = ?", userID); err != nil {
		return 0, fmt.Errorf("devices: error counting user rooms: %w", err)
	}
	return counter.Count, nil
}

func (db *database) trackedRoom(roomID ids.RoomID) (bool, error) {
	var found []string
	if err := db.Tx.Select(&found, "SELECT room_id FROM _tracked_rooms WHERE room_id = ?", roomID); err != nil {
		return false, fmt.Errorf("devices: error getting tracked room: %w", err)
	}
	return len(found) != 0, nil
}

func (db *database) setTrackedRoom(roomID ids.RoomID) error {
	if _, err := db.Tx.Exec("INSERT INTO _tracked_rooms (room_id) VALUES (?) ON CONFLICT(room_id) DO NOTHING", roomID); err != nil {
		return fmt.Errorf("devices: error setting tracked room: %w", err)
	}
	return nil
}

func (db *database) deviceIdentity(userID ids.UserID, deviceID ids.DeviceID) (*deviceIdentity, bool, error) {
	d := &deviceIdentity{}
	err := db.Tx.Get(d, "SELECT * FROM _device_identities WHERE user_id = ? AND device_id = ?", userID, deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("devices: error getting device identity: %w", err)
	}
	return d, true, nil
}

func (db *database) devicesForUser(userID ids.UserID) ([]*deviceIdentity, error) {
	var devices []*deviceIdentity
	if err := db.Tx.Select(&devices, "SELECT * FROM _device_identities WHERE user_id = ? ORDER BY device_id", userID); err != nil {
		return nil, fmt.Errorf("devices: error getting devices for user: %w", err)
	}
	return devices, nil
}

func (db *database) deviceByCurve25519Key(key ids.Curve25519) (*deviceIdentity, bool, error) {
	d := &deviceIdentity{}
	err := db.Tx.Get(d, "SELECT * FROM _device_identities WHERE curve25519_key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("devices: error getting device by curve25519 key: %w", err)
	}
	return d, true, nil
}

func (db *database) setDeviceIdentity(d *deviceIdentity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _device_identities (user_id, device_id, ed25519_key, curve25519_key, algorithms, display_name) VALUES (:user_id, :device_id, :ed25519_key, :curve25519_key, :algorithms, :display_name) ON CONFLICT(user_id, device_id) DO UPDATE SET ed25519_key = :ed25519_key, curve25519_key = :curve25519_key, algorithms = :algorithms, display_name = :display_name", d); err != nil {
		return fmt.Errorf("devices: error upserting device identity: %w", err)
	}
	return nil
}

func (db *database) removeDeviceIdentity(userID ids.UserID, deviceID ids.DeviceID) error {
	if _, err := db.Tx.Exec("DELETE FROM _device_identities WHERE user_id = ? AND device_id = ?", userID, deviceID); err != nil {
		return fmt.Errorf("devices: error removing device identity: %w", err)
	}
	return nil
}

func (db *database) removeAllDevicesForUser(userID ids.UserID) error {
	if _, err := db.Tx.Exec("DELETE FROM _device_identities WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("devices: error removing devices for user: %w", err)
	}
	return nil
}
