package safety

import (
	"errors"
	"time"
)

// ErrBypassDenied reports a failed bypass authorization.
var ErrBypassDenied = errors.New("safety: bypass authorization denied")

// AuthFunc validates a bypass request token and names the operator it
// belongs to. It must be pure: no I/O, no side effects.
type AuthFunc func(token string) (operator string, ok bool)

// DenyAll is the default AuthFunc: no bypass, ever.
func DenyAll(string) (string, bool) { return "", false }

// Grant is the capability that suppresses interlock gating for
// calibration. Its presence, not a boolean, is what gates bypassed
// checks. All fields are unexported and there is deliberately no
// marshal support: a Grant cannot be serialized or survive a restart.
type Grant struct {
	operator  string
	grantedAt time.Time
}

// Operator names who was granted the bypass.
func (g *Grant) Operator() string { return g.operator }

// GrantedAt reports when the bypass was granted.
func (g *Grant) GrantedAt() time.Time { return g.grantedAt }
