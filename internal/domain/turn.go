package domain

import "time"

// TurnCredentials are issued out of band and shared by every connection of a
// call. The caller forwards them to callees inside StartCall.
type TurnCredentials struct {
	Username string    `json:"turnUserName"`
	Password string    `json:"turnPassword"`
	Servers  []string  `json:"turnServers"`
	Expires  time.Time `json:"expires,omitzero"`
}

// Expired reports whether the credentials are past their expiry. A zero
// expiry never expires.
func (c TurnCredentials) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

// ICEServers maps the credentials to one server entry per URL.
func (c TurnCredentials) ICEServers() []ICEServer {
	servers := make([]ICEServer, 0, len(c.Servers))
	for _, u := range c.Servers {
		servers = append(servers, ICEServer{
			URL:        u,
			Username:   c.Username,
			Credential: c.Password,
		})
	}
	return servers
}

// ICEServer holds one TURN server configuration.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}
