package domain

import "time"

// User is the stable identity behind an external key (phone number).
type User struct {
	ID          string
	PhoneNumber string
	CreatedAt   time.Time
}
