package store

import (
	"github.com/cockroachdb/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	ErrAlertNotFound    = errors.New("alert not found")
	ErrLocationNotFound = errors.New("bus location not found")
)

// AlertQuery filters the operator alert listing. Zero values mean "any".
type AlertQuery struct {
	BusID    string
	Resolved *bool
	Limit    int
}

func (q AlertQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultListLimit
	case q.Limit > maxListLimit:
		return maxListLimit
	default:
		return q.Limit
	}
}
