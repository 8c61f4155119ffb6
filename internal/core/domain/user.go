package domain

type UserID string

// Caller is the resolved identity handed to the core by the auth layer.
type Caller struct {
	UserID   UserID
	Username string
}

func (c Caller) Authenticated() bool {
	return c.UserID != ""
}
