package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/ids"
	"go.uber.org/zap"
)

// HTTPClient speaks the homeserver client API over HTTPS with bearer-token
// authentication.
type HTTPClient struct {
	baseURL     string
	accessToken string
	log         *zap.SugaredLogger
	httpClient  *http.Client
}

func NewHTTPClient(c *config.Config, baseURL, accessToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		log:         c.Logger("api"),
		httpClient:  &http.Client{Timeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond},
	}
}

func (c *HTTPClient) QueryKeys(ctx context.Context, req *KeysQueryRequest) (*KeysQueryResponse, error) {
	resp := &KeysQueryResponse{}
	if err := c.do(ctx, http.MethodPost, "/keys/query", nil, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) RoomKeysVersion(ctx context.Context) (*KeyBackupInfo, error) {
	info := &KeyBackupInfo{}
	if err := c.do(ctx, http.MethodGet, "/room_keys/version", nil, nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *HTTPClient) RoomKeyForRoomAndSession(ctx context.Context, version string, roomID ids.RoomID, sessionID ids.SessionID) (*BackedUpSession, error) {
	path := fmt.Sprintf("/room_keys/keys/%s/%s", url.PathEscape(string(roomID)), url.PathEscape(string(sessionID)))
	session := &BackedUpSession{}
	if err := c.do(ctx, http.MethodGet, path, url.Values{"version": []string{version}}, nil, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (c *HTTPClient) UploadRoomKeysToBackup(ctx context.Context, version string, upload *RoomKeysUpload) (*UploadResponse, error) {
	resp := &UploadResponse{}
	if err := c.do(ctx, http.MethodPut, "/room_keys/keys", url.Values{"version": []string{version}}, upload, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, reqBody, respBody interface{}) error {
	requestID := uuid.NewString()
	u := c.baseURL + path
	if len(query) != 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("api: error encoding request for %s: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("api: error making request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debugf("request %s %s %s", requestID, method, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: error during %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warnf("request %s failed with %d: %s", requestID, resp.StatusCode, errBody)
		return fmt.Errorf("api: %s %s returned %d", method, path, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("api: error decoding response for %s: %w", path, err)
	}
	return nil
}
