package parley

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-parley/api"
	"github.com/meow-io/go-parley/clock"
	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/ids"
	"github.com/meow-io/go-parley/internal/test"
	"github.com/meow-io/go-parley/megolm"
	"github.com/stretchr/testify/require"
)

var (
	password1 = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	pickleKey = []byte{1, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 30}
)

func TestMain(m *testing.M) {
	for _, dir := range []string{"p-lifecycle", "p-decrypt", "p-pending", "p-backup"} {
		test.DeleteAll(dir)
	}
	os.Exit(m.Run())
}

type fakeClient struct {
	info     *api.KeyBackupInfo
	sessions map[ids.RoomID]map[ids.SessionID]*api.BackedUpSession
}

func (c *fakeClient) QueryKeys(ctx context.Context, req *api.KeysQueryRequest) (*api.KeysQueryResponse, error) {
	return &api.KeysQueryResponse{}, nil
}

func (c *fakeClient) RoomKeysVersion(ctx context.Context) (*api.KeyBackupInfo, error) {
	if c.info == nil {
		return nil, fmt.Errorf("no backup version")
	}
	return c.info, nil
}

func (c *fakeClient) RoomKeyForRoomAndSession(ctx context.Context, version string, roomID ids.RoomID, sessionID ids.SessionID) (*api.BackedUpSession, error) {
	session, ok := c.sessions[roomID][sessionID]
	if !ok {
		return nil, fmt.Errorf("no such session %s", sessionID)
	}
	return session, nil
}

func (c *fakeClient) UploadRoomKeysToBackup(ctx context.Context, version string, upload *api.RoomKeysUpload) (*api.UploadResponse, error) {
	if c.sessions == nil {
		c.sessions = make(map[ids.RoomID]map[ids.SessionID]*api.BackedUpSession)
	}
	for roomID, room := range upload.Rooms {
		if c.sessions[roomID] == nil {
			c.sessions[roomID] = make(map[ids.SessionID]*api.BackedUpSession)
		}
		for sessionID, session := range room.Sessions {
			c.sessions[roomID][sessionID] = session
		}
	}
	return &api.UploadResponse{ETag: "etag", Count: 1}, nil
}

func newPipeline(t *testing.T, dir string, client api.Client) *Pipeline {
	require := require.New(t)
	c := config.NewConfig(
		config.WithRootDir(dir),
		config.WithLoggingPrefix(dir),
		config.WithPickleKey(pickleKey),
	)
	p, err := NewPipeline(c, client, megolm.NewRatchetCipher(), clock.NewSystemClock(), "@me:example.org", "MYDEVICE")
	require.Nil(err)
	require.Equal(StateNew, p.State())
	require.Nil(p.Initialize(password1))
	require.Nil(p.Open(password1))
	require.Equal(StateRunning, p.State())
	t.Cleanup(func() {
		if err := p.Shutdown(); err != nil {
			panic(err)
		}
		test.DeleteAll(dir)
	})
	return p
}

type testSender struct {
	outbound *megolm.OutboundSession
	message  *RoomKeyMessage
}

func newTestSender(t *testing.T, roomID ids.RoomID) *testSender {
	require := require.New(t)
	outbound, err := megolm.NewOutboundSession()
	require.Nil(err)
	sessionKey, err := outbound.SessionKey()
	require.Nil(err)
	return &testSender{
		outbound: outbound,
		message: &RoomKeyMessage{
			Algorithm:         megolm.Algorithm,
			RoomID:            roomID,
			SessionID:         outbound.ID(),
			SessionKey:        sessionKey,
			SenderKey:         "sender-curve",
			ClaimedEd25519Key: "sender-ed",
		},
	}
}

func (s *testSender) event(t *testing.T, roomID ids.RoomID, eventID ids.EventID, ts uint64) *megolm.EncryptedEvent {
	plaintext := fmt.Sprintf(`{"room_id":%q,"body":"hello"}`, roomID)
	envelope, _, err := s.outbound.Encrypt([]byte(plaintext))
	require.Nil(t, err)
	return &megolm.EncryptedEvent{
		ID:             eventID,
		Type:           "m.room.encrypted",
		RoomID:         roomID,
		Sender:         "@alice:example.org",
		OriginServerTS: ts,
		Content: megolm.EncryptedContent{
			Algorithm:  megolm.Algorithm,
			SenderKey:  s.message.SenderKey,
			SessionID:  s.message.SessionID,
			Ciphertext: base64.RawStdEncoding.EncodeToString(envelope),
		},
	}
}

func TestPipelineLifecycle(t *testing.T) {
	require := require.New(t)

	c := config.NewConfig(
		config.WithRootDir("p-lifecycle"),
		config.WithPickleKey(pickleKey),
	)
	p, err := NewPipeline(c, &fakeClient{}, megolm.NewRatchetCipher(), clock.NewSystemClock(), "@me:example.org", "MYDEVICE")
	require.Nil(err)
	require.Equal(StateNew, p.State())
	require.NotNil(p.Open(password1))
	require.Nil(p.Initialize(password1))
	require.Equal(StateInitialized, p.State())
	require.NotNil(p.Initialize(password1))
	require.Nil(p.Open(password1))
	require.Equal(StateRunning, p.State())
	require.Nil(p.Shutdown())
	require.Equal(StateClosed, p.State())
	require.Nil(p.Shutdown())
}

func TestAddRoomKeysAndDecrypt(t *testing.T) {
	require := require.New(t)
	p := newPipeline(t, "p-decrypt", &fakeClient{})

	roomID := ids.RoomID("!room:example.org")
	sender := newTestSender(t, roomID)
	junk := &RoomKeyMessage{Algorithm: "m.bogus.v0", RoomID: roomID, SessionID: "junk", SessionKey: []byte("x"), SenderKey: "k"}

	written, err := p.AddRoomKeys([]*RoomKeyMessage{sender.message, junk})
	require.Nil(err)
	require.Len(written, 1)
	require.Equal(sender.message.SessionID, written[0].SessionID())

	// a second delivery of the same key changes nothing
	written, err = p.AddRoomKeys([]*RoomKeyMessage{sender.message})
	require.Nil(err)
	require.Empty(written)

	events := []*megolm.EncryptedEvent{
		sender.event(t, roomID, "$1:example.org", 1000),
		sender.event(t, roomID, "$2:example.org", 2000),
	}
	results, errs, err := p.DecryptRoomEvents(roomID, events, nil)
	require.Nil(err)
	require.Empty(errs)
	require.Len(results, 2)
	require.Equal(ids.Ed25519("sender-ed"), results["$1:example.org"].ClaimedEd25519Key)
}

func TestPendingEventsRequeue(t *testing.T) {
	require := require.New(t)
	p := newPipeline(t, "p-pending", &fakeClient{})

	roomID := ids.RoomID("!room:example.org")
	sender := newTestSender(t, roomID)
	event := sender.event(t, roomID, "$1:example.org", 1000)

	results, errs, err := p.DecryptRoomEvents(roomID, []*megolm.EncryptedEvent{event}, nil)
	require.Nil(err)
	require.Empty(results)
	require.Equal(megolm.ErrNoSession, errs["$1:example.org"].Code)

	written, err := p.AddRoomKeys([]*RoomKeyMessage{sender.message})
	require.Nil(err)
	require.Len(written, 1)

	eventIDs, err := p.TakePendingEvents(written[0])
	require.Nil(err)
	require.Equal([]ids.EventID{"$1:example.org"}, eventIDs)

	results, errs, err = p.DecryptRoomEvents(roomID, []*megolm.EncryptedEvent{event}, nil)
	require.Nil(err)
	require.Empty(errs)
	require.Len(results, 1)
}

func TestKeyBackupRoundTrip(t *testing.T) {
	require := require.New(t)

	pub, priv, err := box.GenerateKey(rand.Reader)
	require.Nil(err)
	client := &fakeClient{info: &api.KeyBackupInfo{
		Version:   "1",
		Algorithm: "m.megolm_backup.v1.curve25519-aes-sha2",
		AuthData:  api.KeyBackupAuthData{PublicKey: base64.RawStdEncoding.EncodeToString(pub[:])},
	}}
	p := newPipeline(t, "p-backup", client)

	roomID := ids.RoomID("!room:example.org")
	_, err = p.RecoverRoomKey(context.Background(), roomID, "whatever")
	require.NotNil(err)

	require.Nil(p.EnableKeyBackup(context.Background(), priv[:]))
	require.Equal("1", p.KeyBackup.Version())

	sender := newTestSender(t, roomID)
	written, err := p.AddRoomKeys([]*RoomKeyMessage{sender.message})
	require.Nil(err)
	require.Len(written, 1)

	require.Nil(p.KeyBackup.FlushOnce(context.Background()))

	recovered, err := p.RecoverRoomKey(context.Background(), roomID, sender.message.SessionID)
	require.Nil(err)
	require.NotNil(recovered)
	require.Equal(megolm.SourceBackup, recovered.Source())
	require.Equal(ids.Curve25519("sender-curve"), recovered.SenderKey())
}
