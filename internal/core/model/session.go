package model

// SessionInfo identifies one client session. The token is a signed bearer
// token carrying the session id.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Token     string `json:"token"`
}

// MutationResponse is the body of a successful mutation call.
type MutationResponse struct {
	Fields map[string]any `json:"fields"`
}
