package order

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

type Status string

const (
	StatusPublished        Status = "PUBLISHED"
	StatusAwaitingConfirm  Status = "AWAITING_CUSTOMER_CONFIRM"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusAwaitingApproval Status = "AWAITING_CLIENT_APPROVAL"
	StatusCompleted        Status = "COMPLETED"
	StatusDispute          Status = "DISPUTE"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDispute
}

type Order struct {
	ID           int64
	Key          string // short public reference, 8 hex chars
	CreatorID    int64
	Description  string
	Price        int64
	Status       Status
	FrozenAmount int64
	Lat          *float64
	Lon          *float64
	RadiusKm     float64
	AcceptedBy   *int64
	AcceptTS     *time.Time
	AutoRelease  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (o *Order) HasLocation() bool { return o.Lat != nil && o.Lon != nil }

// AllowedTransitions represents the order state flow as code. Dispute entry
// is allowed from every non-terminal state.
var AllowedTransitions = map[Status][]Status{
	StatusPublished:        {StatusAwaitingConfirm, StatusDispute},
	StatusAwaitingConfirm:  {StatusInProgress, StatusPublished, StatusDispute},
	StatusInProgress:       {StatusAwaitingApproval, StatusDispute},
	StatusAwaitingApproval: {StatusCompleted, StatusDispute},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// newOrderKey returns the short public reference printed in chat messages.
func newOrderKey() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to the clock; keys only need to be unlikely to collide
		now := time.Now().UnixNano()
		b[0], b[1], b[2], b[3] = byte(now>>24), byte(now>>16), byte(now>>8), byte(now)
	}
	return hex.EncodeToString(b[:])
}
