package megolm

import (
	"os"
	"testing"

	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/ids"
	db "github.com/meow-io/go-parley/internal/db"
	"github.com/meow-io/go-parley/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestManager(t *testing.T) (*Manager, *db.Database) {
	c := config.NewConfig(config.WithPickleKey(pickleKey))
	database := test.NewTestDatabase(c)
	m, err := NewManager(c, database, NewRatchetCipher())
	require.Nil(t, err)
	t.Cleanup(func() {
		m.Dispose()
		if err := database.Shutdown(); err != nil {
			panic(err)
		}
	})
	return m, database
}

// exportAt makes a copy of key exported at a later ratchet index.
func exportAt(t *testing.T, key *RoomKey, index uint32) *RoomKey {
	require := require.New(t)
	cipher := NewRatchetCipher()
	session, err := cipher.Create(key.sessionKey)
	require.Nil(err)
	defer session.Free()
	exported, err := session.Export(index)
	require.Nil(err)
	return NewBackupKey(key.roomID, key.senderKey, key.sessionID, key.claimedEd25519Key, exported)
}

func TestWriteAndReadKey(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	outbound, err := NewOutboundSession()
	require.Nil(err)
	sessionKey, err := outbound.SessionKey()
	require.Nil(err)
	key := NewDeviceMessageKey("!room:example.org", "sender-curve", outbound.ID(), "sender-ed", sessionKey)

	require.Nil(database.Run("write key", func() error {
		written, err := m.WriteKey(key)
		require.Nil(err)
		require.True(written)
		return nil
	}))
	require.Equal(QualityBetter, key.Quality())

	require.Nil(database.Run("read key", func() error {
		stored, ok, err := m.StoredKey(key.RoomID(), key.SenderKey(), key.SessionID())
		require.Nil(err)
		require.True(ok)
		require.Equal(SourceStored, stored.Source())
		require.Equal(ids.Ed25519("sender-ed"), stored.ClaimedEd25519Key())
		return m.Loader().UseKey(stored, func(session InboundSession) error {
			require.Equal(outbound.ID(), session.ID())
			require.Equal(uint32(0), session.FirstKnownIndex())
			return nil
		})
	}))
}

func TestWorseKeyNotPersisted(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	key := newTestKey(t, "!room:example.org")
	key.quality = QualityUnknown
	later := exportAt(t, key, 3)

	require.Nil(database.Run("write keys", func() error {
		written, err := m.WriteKey(key)
		require.Nil(err)
		require.True(written)

		written, err = m.WriteKey(later)
		require.Nil(err)
		require.False(written)
		require.Equal(QualityNotBetter, later.Quality())
		return nil
	}))

	require.Nil(database.Run("read key", func() error {
		stored, ok, err := m.StoredKey(key.RoomID(), key.SenderKey(), key.SessionID())
		require.Nil(err)
		require.True(ok)
		return m.Loader().UseKey(stored, func(session InboundSession) error {
			require.Equal(uint32(0), session.FirstKnownIndex())
			return nil
		})
	}))
}

func TestBetterKeyReplacesStored(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	key := newTestKey(t, "!room:example.org")
	key.quality = QualityUnknown
	later := exportAt(t, key, 3)

	require.Nil(database.Run("write later key", func() error {
		written, err := m.WriteKey(later)
		require.Nil(err)
		require.True(written)
		return nil
	}))
	require.Nil(database.Run("write earlier key", func() error {
		written, err := m.WriteKey(key)
		require.Nil(err)
		require.True(written)
		require.Equal(QualityBetter, key.Quality())
		return nil
	}))
	require.Nil(database.Run("read key", func() error {
		stored, _, err := m.StoredKey(key.RoomID(), key.SenderKey(), key.SessionID())
		require.Nil(err)
		return m.Loader().UseKey(stored, func(session InboundSession) error {
			require.Equal(uint32(0), session.FirstKnownIndex())
			return nil
		})
	}))
}

func TestSameKeyTwiceNotBetter(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	key := newTestKey(t, "!room:example.org")
	key.quality = QualityUnknown

	require.Nil(database.Run("write key twice", func() error {
		written, err := m.WriteKey(key)
		require.Nil(err)
		require.True(written)

		copied := NewDeviceMessageKey(key.roomID, key.senderKey, key.sessionID, key.claimedEd25519Key, key.sessionKey)
		written, err = m.WriteKey(copied)
		require.Nil(err)
		require.False(written)
		require.Equal(QualityNotBetter, copied.Quality())
		return nil
	}))
}

func TestWorseKeyMergesPendingEvents(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	key := newTestKey(t, "!room:example.org")
	key.quality = QualityUnknown
	later := exportAt(t, key, 3)
	later.AddPendingEvent("$waiting:example.org")

	require.Nil(database.Run("write keys", func() error {
		if _, err := m.WriteKey(key); err != nil {
			return err
		}
		written, err := m.WriteKey(later)
		require.Nil(err)
		require.False(written)
		return nil
	}))

	// the losing key's backlog survives on the winning row
	require.Nil(database.Run("take pending events", func() error {
		eventIDs, err := m.TakePendingEvents(key.RoomID(), key.SenderKey(), key.SessionID())
		require.Nil(err)
		require.Equal([]ids.EventID{"$waiting:example.org"}, eventIDs)

		eventIDs, err = m.TakePendingEvents(key.RoomID(), key.SenderKey(), key.SessionID())
		require.Nil(err)
		require.Empty(eventIDs)
		return nil
	}))
}

func TestWorseKeyPendingEventsSurviveCacheOnlyWinner(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	// the winner lives only in the loader cache, never in storage
	winner := newTestKey(t, "!room:example.org")
	require.Nil(m.Loader().UseKey(winner, func(session InboundSession) error { return nil }))

	loser := exportAt(t, winner, 2)
	loser.AddPendingEvent("$waiting:example.org")
	require.Nil(database.Run("write loser", func() error {
		written, err := m.WriteKey(loser)
		require.Nil(err)
		require.False(written)
		return nil
	}))

	require.Nil(database.Run("read back", func() error {
		// the backlog was parked on a placeholder row, not dropped
		eventIDs, err := m.TakePendingEvents(winner.RoomID(), winner.SenderKey(), winner.SessionID())
		require.Nil(err)
		require.Equal([]ids.EventID{"$waiting:example.org"}, eventIDs)

		// the placeholder is not a usable key
		_, ok, err := m.StoredKey(winner.RoomID(), winner.SenderKey(), winner.SessionID())
		require.Nil(err)
		require.False(ok)
		return nil
	}))
}

func TestRegisterMissingSessionEvent(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	roomID := ids.RoomID("!room:example.org")
	senderKey := ids.Curve25519("sender-curve")
	sessionID := ids.SessionID("unknown-session")

	require.Nil(database.Run("register", func() error {
		require.Nil(m.RegisterMissingSessionEvent(roomID, senderKey, sessionID, "$a:example.org"))
		require.Nil(m.RegisterMissingSessionEvent(roomID, senderKey, sessionID, "$b:example.org"))
		require.Nil(m.RegisterMissingSessionEvent(roomID, senderKey, sessionID, "$a:example.org"))

		// a placeholder row is not a usable key
		_, ok, err := m.StoredKey(roomID, senderKey, sessionID)
		require.Nil(err)
		require.False(ok)

		eventIDs, err := m.TakePendingEvents(roomID, senderKey, sessionID)
		require.Nil(err)
		require.Equal([]ids.EventID{"$a:example.org", "$b:example.org"}, eventIDs)
		return nil
	}))
}

func TestSessionsNeedingBackup(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	k1 := newTestKey(t, "!room:example.org")
	k2 := newTestKey(t, "!room:example.org")

	require.Nil(database.Run("write keys", func() error {
		for _, k := range []*RoomKey{k1, k2} {
			if _, err := m.WriteKey(k); err != nil {
				return err
			}
		}
		return m.MarkSessionsNeedingBackup([]*RoomKey{k1, k2})
	}))

	require.Nil(database.Run("count and drain", func() error {
		count, err := m.CountSessionsNeedingBackup()
		require.Nil(err)
		require.Equal(uint(2), count)

		keys, err := m.SessionsNeedingBackup(1)
		require.Nil(err)
		require.Len(keys, 1)

		keys, err = m.SessionsNeedingBackup(10)
		require.Nil(err)
		require.Len(keys, 2)
		require.Nil(m.RemoveSessionsNeedingBackup(keys))

		count, err = m.CountSessionsNeedingBackup()
		require.Nil(err)
		require.Equal(uint(0), count)

		row, ok, err := m.db.inboundGroupSession(k1.RoomID(), k1.SenderKey(), k1.SessionID())
		require.Nil(err)
		require.True(ok)
		require.Equal(backupColumnBackedUp, row.Backup)
		return nil
	}))

	require.Nil(database.Run("mark all again", func() error {
		require.Nil(m.MarkAllSessionsForBackup())
		count, err := m.CountSessionsNeedingBackup()
		require.Nil(err)
		require.Equal(uint(2), count)
		return nil
	}))
}

func TestSessionsNeedingBackupDropsOrphans(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	key := newTestKey(t, "!room:example.org")
	require.Nil(database.Run("mark unwritten key", func() error {
		return m.MarkSessionsNeedingBackup([]*RoomKey{key})
	}))

	require.Nil(database.Run("drain", func() error {
		keys, err := m.SessionsNeedingBackup(10)
		require.Nil(err)
		require.Empty(keys)

		count, err := m.CountSessionsNeedingBackup()
		require.Nil(err)
		require.Equal(uint(0), count)
		return nil
	}))
}

func TestExportKey(t *testing.T) {
	require := require.New(t)
	m, database := newTestManager(t)

	key := newTestKey(t, "!room:example.org")
	require.Nil(database.Run("write key", func() error {
		_, err := m.WriteKey(key)
		return err
	}))

	exported, firstIndex, err := m.ExportKey(key)
	require.Nil(err)
	require.Equal(uint32(0), firstIndex)

	imported, err := NewRatchetCipher().Import(exported)
	require.Nil(err)
	defer imported.Free()
	require.Equal(key.SessionID(), imported.ID())
}
