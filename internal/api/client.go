package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meshcall/native/internal/domain"

	"github.com/google/uuid"
)

const turnCredentialsPath = "/calls/turnCredentials"

type turnRequest struct {
	RequestID string `json:"requestId"`
	Identity  string `json:"identity"`
}

type turnData struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Servers  []string `json:"servers"`
	TTL      int64    `json:"ttl"` // seconds
}

type turnResponse struct {
	Result int      `json:"result"`
	Msg    string   `json:"msg"`
	Data   turnData `json:"data"`
}

// Client fetches TURN credentials from the account API.
type Client struct {
	baseURL  string
	token    string
	identity domain.PeerID
	http     *http.Client
	now      func() time.Time
}

// NewClient creates an API client. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL, token string, identity domain.PeerID, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		identity: identity,
		http:     httpClient,
		now:      time.Now,
	}
}

// FetchTurnCredentials obtains credentials for the relay-only TURN servers.
func (c *Client) FetchTurnCredentials(ctx context.Context) (domain.TurnCredentials, error) {
	body, err := json.Marshal(turnRequest{
		RequestID: uuid.NewString(),
		Identity:  string(c.identity),
	})
	if err != nil {
		return domain.TurnCredentials{}, fmt.Errorf("marshal turn request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+turnCredentialsPath, bytes.NewReader(body))
	if err != nil {
		return domain.TurnCredentials{}, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TurnCredentials{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TurnCredentials{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return domain.TurnCredentials{}, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var tr turnResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return domain.TurnCredentials{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if tr.Result != 0 {
		return domain.TurnCredentials{}, fmt.Errorf("API error (result=%d): %s", tr.Result, tr.Msg)
	}
	if len(tr.Data.Servers) == 0 {
		return domain.TurnCredentials{}, fmt.Errorf("API returned no TURN servers")
	}

	creds := domain.TurnCredentials{
		Username: tr.Data.Username,
		Password: tr.Data.Password,
		Servers:  tr.Data.Servers,
	}
	if tr.Data.TTL > 0 {
		creds.Expires = c.now().Add(time.Duration(tr.Data.TTL) * time.Second)
	}
	return creds, nil
}
