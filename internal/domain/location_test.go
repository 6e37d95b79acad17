package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationUpdateDecode(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantSpeed float64
		wantValid bool
		wantPos   bool
	}{
		{name: "full document", body: `{"speed":20,"lat":26.1,"lng":91.7}`, wantSpeed: 20, wantValid: true, wantPos: true},
		{name: "speed null", body: `{"speed":null,"lat":26.1,"lng":91.7}`, wantSpeed: 0, wantValid: false, wantPos: true},
		{name: "speed absent", body: `{"lat":26.1}`, wantSpeed: 0, wantValid: false, wantPos: false},
		{name: "zero speed is present", body: `{"speed":0}`, wantSpeed: 0, wantValid: true, wantPos: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u LocationUpdate
			require.NoError(t, json.Unmarshal([]byte(tt.body), &u))

			assert.Equal(t, tt.wantSpeed, u.Speed.OrZero())
			assert.Equal(t, tt.wantValid, u.Speed.Valid())
			_, ok := u.Position()
			assert.Equal(t, tt.wantPos, ok)
		})
	}
}

func TestLocationUpdateDecodeRejectsNonNumericSpeed(t *testing.T) {
	var u LocationUpdate
	err := json.Unmarshal([]byte(`{"speed":"fast"}`), &u)
	assert.Error(t, err)
}

func TestLocationChangeDeletedDocument(t *testing.T) {
	var c LocationChange
	require.NoError(t, json.Unmarshal([]byte(`{"before":{"speed":3},"after":null}`), &c))

	require.NotNil(t, c.Before)
	assert.Nil(t, c.After)
}

func TestSpeedRoundTrip(t *testing.T) {
	b, err := json.Marshal(LocationUpdate{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"speed":null}`, string(b))

	b, err = json.Marshal(LocationUpdate{Speed: SpeedOf(12.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"speed":12.5}`, string(b))
}

func TestPositionOnNilUpdate(t *testing.T) {
	var u *LocationUpdate
	_, ok := u.Position()
	assert.False(t, ok)
}
