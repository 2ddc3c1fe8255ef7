package domain

import "time"

// User represents a platform account. This service only reads accounts
// to validate session principals; account management lives elsewhere.
type User struct {
	ID        string
	Username  string
	Email     string
	Active    bool
	CreatedAt time.Time
}
