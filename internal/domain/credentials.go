package domain

import "strings"

// Credentials select the language model used by a session's agent.
type Credentials struct {
	APIKey      string  `json:"-"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// IsZero reports whether no usable API key is present.
func (c Credentials) IsZero() bool {
	return strings.TrimSpace(c.APIKey) == ""
}

// Equal reports whether two credential sets would build the same agent.
func (c Credentials) Equal(other Credentials) bool {
	return c.APIKey == other.APIKey &&
		c.Model == other.Model &&
		c.Temperature == other.Temperature
}
