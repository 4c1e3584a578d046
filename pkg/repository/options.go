package repository

// List pagination bounds shared by every list endpoint.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions carries pagination for list queries. Results are always
// ordered newest first.
type ListOptions struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Normalize clamps the options into the allowed range in place.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
