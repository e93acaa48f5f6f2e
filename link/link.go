// Package link holds capability links: the token that currently exposes a
// private resource, its expiry and its rotation policy, plus the JSON file
// they are persisted to.
package link

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so rotation is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the actual current time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Rotation indicates the lifetime of a token. Every set component adds to
// the lifetime; when nothing is set the lifetime is zero and the token
// rotates on every check.
type Rotation struct {
	Minutes *uint8 `json:"minutes"`
	Hours   *uint8 `json:"hours"`
	Days    *uint8 `json:"days"`
	Weeks   *uint8 `json:"weeks"`

	// RemoveOnExpiry deletes the resource itself instead of rotating its token.
	RemoveOnExpiry bool `json:"remove_on_expiry"`
}

// DefaultRotation rotates once a day.
func DefaultRotation() Rotation {
	days := uint8(1)
	return Rotation{Days: &days}
}

// Lifetime is the sum of all set components.
func (r Rotation) Lifetime() time.Duration {
	var d time.Duration
	if r.Minutes != nil {
		d += time.Duration(*r.Minutes) * time.Minute
	}
	if r.Hours != nil {
		d += time.Duration(*r.Hours) * time.Hour
	}
	if r.Days != nil {
		d += time.Duration(*r.Days) * 24 * time.Hour
	}
	if r.Weeks != nil {
		d += time.Duration(*r.Weeks) * 7 * 24 * time.Hour
	}
	return d
}

// Expiry returns the expiry instant for a token issued at now.
func (r Rotation) Expiry(now time.Time) time.Time {
	return now.Add(r.Lifetime())
}

func (r Rotation) String() string {
	s := r.Lifetime().String()
	if r.RemoveOnExpiry {
		s += " (remove)"
	}
	return s
}

// Link is the capability record of one private resource.
type Link struct {
	Token     uuid.UUID  `json:"id"`
	Expiry    *time.Time `json:"expiry"`
	Rotation  Rotation   `json:"rotation"`
	SkipAudit bool       `json:"skip_sms"`
}

// UnmarshalJSON fills in the default rotation when the document omits it.
func (l *Link) UnmarshalJSON(data []byte) error {
	type plain Link
	p := plain{Rotation: DefaultRotation()}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = Link(p)
	return nil
}

// New returns a link with a fresh token, the default rotation and an expiry
// computed from now.
func New(now time.Time) Link {
	return WithToken(uuid.New(), now)
}

// WithToken returns a default link that keeps an already issued token.
func WithToken(token uuid.UUID, now time.Time) Link {
	rotation := DefaultRotation()
	expiry := rotation.Expiry(now)
	return Link{
		Token:    token,
		Expiry:   &expiry,
		Rotation: rotation,
	}
}

// TokenString renders the token the way it appears in URLs and directory names.
func (l Link) TokenString() string {
	return l.Token.String()
}

// Expired reports whether the expiry instant lies strictly before now.
func (l Link) Expired(now time.Time) bool {
	return l.Expiry != nil && l.Expiry.Before(now)
}

// Outcome describes what ChangeIfExpired did.
type Outcome int

const (
	// Unchanged means the link has not expired yet.
	Unchanged Outcome = iota
	// ExpirySet means the link had no expiry and was given one.
	ExpirySet
	// Rotated means a new token was issued.
	Rotated
	// Remove means the link expired and its resource must be deleted.
	Remove
)

func (o Outcome) String() string {
	switch o {
	case ExpirySet:
		return "expiry-set"
	case Rotated:
		return "rotated"
	case Remove:
		return "remove"
	default:
		return "unchanged"
	}
}

// ChangeIfExpired returns the link that should replace l at instant now.
// A rotated link keeps the rotation policy and the audit flag; token and
// expiry are new. A link that must be removed is returned untouched.
func (l Link) ChangeIfExpired(now time.Time) (Link, Outcome) {
	if l.Expiry == nil {
		expiry := l.Rotation.Expiry(now)
		l.Expiry = &expiry
		return l, ExpirySet
	}
	if !l.Expired(now) {
		return l, Unchanged
	}
	if l.Rotation.RemoveOnExpiry {
		return l, Remove
	}

	expiry := l.Rotation.Expiry(now)
	return Link{
		Token:     uuid.New(),
		Expiry:    &expiry,
		Rotation:  l.Rotation,
		SkipAudit: l.SkipAudit,
	}, Rotated
}

// ParseToken accepts only the canonical hyphenated lowercase form, which is
// the only form ever written to disk.
func ParseToken(s string) (uuid.UUID, error) {
	token, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if token.String() != s {
		return uuid.Nil, fmt.Errorf("token %q is not in canonical form", s)
	}
	return token, nil
}
