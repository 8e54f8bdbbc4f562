// Package notification emits lifecycle events to the messaging
// collaborator. Delivery is fire and forget.
package notification

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	// EventGrantExpired: a grant was retired and the principal still holds
	// other eligible grants.
	EventGrantExpired EventType = "grant.expired"
	// EventPrincipalLapsed: the retired grant was the principal's last one.
	EventPrincipalLapsed EventType = "principal.lapsed"
)

type Event struct {
	ID          string
	Type        EventType
	PrincipalID snowflake.ID
	GrantID     snowflake.ID
	OccurredAt  time.Time
	Attributes  map[string]string
}

func NewEvent(eventType EventType, principalID, grantID snowflake.ID, occurredAt time.Time, attrs map[string]string) Event {
	occurredAt = occurredAt.UTC()
	return Event{
		ID:          ulid.MustNew(ulid.Timestamp(occurredAt), ulid.DefaultEntropy()).String(),
		Type:        eventType,
		PrincipalID: principalID,
		GrantID:     grantID,
		OccurredAt:  occurredAt,
		Attributes:  attrs,
	}
}
