package domain

import (
	"time"

	"github.com/google/uuid"
)

// Team is the multi-tenancy root; every other entity hangs off team_id.
type Team struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ApiKey is an opaque credential that resolves to a team on every request.
type ApiKey struct {
	Key       string    `db:"key" json:"key"`
	TeamID    uuid.UUID `db:"team_id" json:"team_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
