package domain

import (
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
)

type AlertType string

const (
	AlertOverspeed AlertType = "OVERSPEED"
)

const (
	SpeedLimitKmph = 60.0
	MpsToKmph      = 3.6
	DedupWindow    = 2 * time.Minute

	// m/s readings such as 50/3 land a few ulps above the limit once
	// converted; anything closer than this counts as equal.
	kmphTolerance = 1e-9
)

type AlertRecord struct {
	ID        string    `json:"id"`
	BusID     string    `json:"busId"`
	Type      AlertType `json:"type"`
	SpeedKmph float64   `json:"speed_kmph"`
	Timestamp time.Time `json:"timestamp"`
	Location  *GeoPoint `json:"location,omitempty"`
	Resolved  bool      `json:"resolved"`
}

// NewAlertRecord builds an unresolved record for a fired rule. Timestamp is
// left zero; the alert store stamps it with its own clock.
func NewAlertRecord(busID string, t AlertType, kmph float64, u *LocationUpdate) *AlertRecord {
	rec := &AlertRecord{
		ID:        uuid.NewString(),
		BusID:     busID,
		Type:      t,
		SpeedKmph: RoundKmph(kmph),
	}
	if p, ok := u.Position(); ok {
		rec.Location = &p
	}
	return rec
}

func ToKmph(mps float64) float64 {
	return mps * MpsToKmph
}

// RoundKmph rounds the exact binary value of kmph to one decimal place,
// halves away from zero. Scaling in float64 first would round 61.6499...
// (17.125 m/s) up to 61.7.
func RoundKmph(kmph float64) float64 {
	if math.IsNaN(kmph) || math.IsInf(kmph, 0) {
		return kmph
	}
	x := new(big.Float).SetPrec(256).SetFloat64(math.Abs(kmph))
	x.Mul(x, big.NewFloat(10))
	x.Add(x, big.NewFloat(0.5))
	n, _ := x.Int(nil)
	r, _ := new(big.Float).SetInt(n).Float64()
	return math.Copysign(r/10, kmph)
}

func IsOverspeed(kmph float64) bool {
	return kmph-SpeedLimitKmph > kmphTolerance
}

func EvaluateOverspeed(u *LocationUpdate) (float64, bool) {
	kmph := ToKmph(u.Speed.OrZero())
	return kmph, IsOverspeed(kmph)
}

type AlertRule struct {
	Type AlertType
	// Evaluate returns the observed value and whether the rule fired.
	Evaluate func(u *LocationUpdate) (float64, bool)
}

var DefaultAlertRules = []AlertRule{
	{
		Type:     AlertOverspeed,
		Evaluate: EvaluateOverspeed,
	},
}
