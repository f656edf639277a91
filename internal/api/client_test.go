package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetchTurnCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != turnCredentialsPath {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Identity != "alice" || req.RequestID == "" {
			t.Errorf("request body = %+v", req)
		}
		w.Write([]byte(`{"result":0,"data":{"username":"u","password":"p","servers":["turn:a:3478","turns:b:443"],"ttl":600}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", "alice", srv.Client())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	creds, err := c.FetchTurnCredentials(context.Background())
	if err != nil {
		t.Fatalf("FetchTurnCredentials: %v", err)
	}
	if creds.Username != "u" || creds.Password != "p" {
		t.Errorf("creds = %+v", creds)
	}
	if len(creds.Servers) != 2 || creds.Servers[1] != "turns:b:443" {
		t.Errorf("servers = %v", creds.Servers)
	}
	if want := now.Add(10 * time.Minute); !creds.Expires.Equal(want) {
		t.Errorf("expires = %v, want %v", creds.Expires, want)
	}
}

func TestFetchTurnCredentialsErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http status", http.StatusUnauthorized, `denied`, "http 401"},
		{"api result", http.StatusOK, `{"result":-1021,"msg":"expired"}`, "result=-1021"},
		{"no servers", http.StatusOK, `{"result":0,"data":{"username":"u"}}`, "no TURN servers"},
		{"bad json", http.StatusOK, `{`, "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "tok", "alice", nil).FetchTurnCredentials(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
