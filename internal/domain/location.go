package domain

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Speed is an optional speed reading in meters per second. Location
// documents written by older driver apps do not always carry one.
type Speed struct {
	mps   float64
	valid bool
}

func SpeedOf(mps float64) Speed {
	return Speed{mps: mps, valid: true}
}

func (s Speed) Valid() bool {
	return s.valid
}

// OrZero returns the reading, or 0 when the update carried no speed.
func (s Speed) OrZero() float64 {
	if !s.valid {
		return 0
	}
	return s.mps
}

func (s Speed) MarshalJSON() ([]byte, error) {
	if !s.valid {
		return []byte("null"), nil
	}
	return json.Marshal(s.mps)
}

func (s *Speed) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = Speed{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return errors.Wrap(err, "speed must be a number")
	}
	*s = SpeedOf(v)
	return nil
}

// LocationUpdate is one snapshot of a bus_locations/{busId} document.
type LocationUpdate struct {
	Speed     Speed     `json:"speed"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (u *LocationUpdate) Position() (GeoPoint, bool) {
	if u == nil || u.Lat == nil || u.Lng == nil {
		return GeoPoint{}, false
	}
	return GeoPoint{Lat: *u.Lat, Lng: *u.Lng}, true
}

// LocationChange is the before/after pair delivered with every update of
// a location document. After is nil when the document was deleted.
type LocationChange struct {
	Before *LocationUpdate `json:"before"`
	After  *LocationUpdate `json:"after"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var ErrMissingBusID = errors.New("bus id is required")
