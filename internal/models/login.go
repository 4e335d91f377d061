package models

import "time"

// LoginState is the orchestrator's externally visible projection of the
// current authentication status. It is mutated only by the login
// orchestrator, in response to its own operations or session machine events.
type LoginState struct {
	IsLoggedIn bool
	IsLocked   bool
	Username   string
	PublicKey  string
	IsNewUser  bool
	LoginTime  time.Time
}

// ChangeReason labels a login-state change delivered to subscribers.
type ChangeReason string

const (
	ReasonLogin   ChangeReason = "login"
	ReasonLogout  ChangeReason = "logout"
	ReasonLock    ChangeReason = "lock"
	ReasonUnlock  ChangeReason = "unlock"
	ReasonTimeout ChangeReason = "timeout"
	ReasonRestore ChangeReason = "restore"
)

// LoginResult is returned by Login. On failure Success is false and
// ErrorMessage carries a user-facing message; Session and UserInfo are only
// set on success.
type LoginResult struct {
	Success      bool
	IsNewUser    bool
	ErrorMessage string
	Session      *Session
	UserInfo     *TrackingInfo
}
