package model

import "time"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser     Role = "USER"
	RoleOperator Role = "OPERATOR"
)

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet is the participant's account on the value-transfer substrate.
// Escrow moves out of the balance when a bid is accepted and comes back via
// refunds; seller proceeds are credited here on delivery or expiry.
type Wallet struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// Participant is an account joined with its wallet balance, as listed for
// the operator.
type Participant struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	BalanceCents int64     `json:"balance_cents"`
}

// AuditEvent is one persisted engine event, for the audit reader.
type AuditEvent struct {
	ID          int64     `json:"id"`
	BucketID    int64     `json:"bucket_id"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

// SubmitBidReq carries a buy order. Value is the escrow sent with it and
// must equal Energy*Price; the engine enforces the equality.
type SubmitBidReq struct {
	Energy uint64 `json:"energy"`
	Price  uint64 `json:"price"`
	Value  uint64 `json:"value"`
}

type SubmitAskReq struct {
	Energy uint64 `json:"energy"`
	Price  uint64 `json:"price"`
}
