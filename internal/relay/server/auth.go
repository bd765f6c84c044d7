package server

// Authenticator maps a bearer token to the agent name configured for it.
// Unknown tokens must return ok=false so callers answer with 403.
type Authenticator interface {
	Authenticate(token string) (agentID string, ok bool)
}

// StaticAuthenticator is a fixed token-to-agent map built from
// configuration at startup.
type StaticAuthenticator map[string]string

// Authenticate looks the token up in the map.
func (a StaticAuthenticator) Authenticate(token string) (string, bool) {
	agentID, ok := a[token]
	return agentID, ok
}
