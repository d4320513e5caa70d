package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/ids"
	"github.com/stretchr/testify/require"
)

func TestQueryKeys(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodPost, r.Method)
		require.Equal("/keys/query", r.URL.Path)
		require.Equal("Bearer token123", r.Header.Get("Authorization"))

		var req KeysQueryRequest
		require.Nil(json.NewDecoder(r.Body).Decode(&req))
		require.Contains(req.DeviceKeys, ids.UserID("@alice:example.org"))

		_ = json.NewEncoder(w).Encode(&KeysQueryResponse{
			DeviceKeys: map[ids.UserID]map[ids.DeviceID]json.RawMessage{
				"@alice:example.org": {"ALICE1": json.RawMessage(`{"device_id":"ALICE1"}`)},
			},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(config.NewConfig(), server.URL, "token123")
	resp, err := client.QueryKeys(context.Background(), &KeysQueryRequest{
		DeviceKeys: map[ids.UserID][]ids.DeviceID{"@alice:example.org": {}},
	})
	require.Nil(err)
	require.Len(resp.DeviceKeys["@alice:example.org"], 1)
}

func TestRoomKeyForRoomAndSession(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodGet, r.Method)
		require.Equal("/room_keys/keys/!room:example.org/session1", r.URL.Path)
		require.Equal("2", r.URL.Query().Get("version"))
		_ = json.NewEncoder(w).Encode(&BackedUpSession{FirstMessageIndex: 7})
	}))
	defer server.Close()

	client := NewHTTPClient(config.NewConfig(), server.URL, "token123")
	session, err := client.RoomKeyForRoomAndSession(context.Background(), "2", "!room:example.org", "session1")
	require.Nil(err)
	require.Equal(uint32(7), session.FirstMessageIndex)
}

func TestRequestTimeout(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client := NewHTTPClient(config.NewConfig(config.WithRequestTimeoutMs(50)), server.URL, "token123")
	_, err := client.RoomKeysVersion(context.Background())
	require.NotNil(err)
}

func TestErrorStatus(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errcode":"M_NOT_FOUND"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(config.NewConfig(), server.URL, "token123")
	_, err := client.RoomKeysVersion(context.Background())
	require.NotNil(err)
	require.Contains(err.Error(), "404")
}
