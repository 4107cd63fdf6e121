package domain

import (
	"time"

	"github.com/google/uuid"
)

// Credits is a team's monotone balance, moved only through the append-only
// CreditsTransaction ledger.
type Credits struct {
	TeamID    uuid.UUID `db:"team_id" json:"team_id"`
	Balance   int64     `db:"balance" json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CreditsTransactionType distinguishes ledger entries.
type CreditsTransactionType string

const (
	CreditsDebit  CreditsTransactionType = "debit"
	CreditsCredit CreditsTransactionType = "credit"
)

// CreditsTransaction is one append-only ledger row.
type CreditsTransaction struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	TeamID      uuid.UUID              `db:"team_id" json:"team_id"`
	Type        CreditsTransactionType `db:"type" json:"type"`
	Amount      int64                  `db:"amount" json:"amount"`
	ReferenceID uuid.UUID              `db:"reference_id" json:"reference_id"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
}
