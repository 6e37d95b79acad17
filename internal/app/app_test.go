package app

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bus-monitor/alerting/internal/config"
	"bus-monitor/alerting/internal/store"
)

var (
	_ AlertBackend = (*store.PostgresStore)(nil)
	_ AlertBackend = (*store.MongoStore)(nil)
)

func TestCloseReleasesInReverseOrder(t *testing.T) {
	var order []int
	a := &App{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("writer closed twice") },
		func() error { order = append(order, 3); return nil },
	}}

	err := a.Close()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "writer closed twice")
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.NoError(t, a.Close(), "second close is a no-op")
}

func TestBuildSinks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := &App{
		cfg: &config.Config{
			NotifySinks:     []string{config.SinkRedis, config.SinkKafka},
			KafkaBrokers:    []string{"localhost:9092"},
			KafkaAlertTopic: "driver_alerts",
		},
		logger: zaptest.NewLogger(t),
		Redis:  store.NewRedisStoreFromClient(client),
	}

	fanout, err := a.buildSinks()

	require.NoError(t, err)
	assert.Equal(t, 2, fanout.Len())
	assert.Len(t, a.closers, 1, "kafka writer is closed on shutdown")
	require.NoError(t, a.Close())
}

func TestBuildSinksNone(t *testing.T) {
	a := &App{cfg: &config.Config{}, logger: zaptest.NewLogger(t)}

	fanout, err := a.buildSinks()

	require.NoError(t, err)
	assert.Equal(t, 0, fanout.Len())
}

func TestBuildTriggers(t *testing.T) {
	a := &App{
		cfg: &config.Config{
			Triggers:         []string{config.TriggerHTTP, config.TriggerMQTT},
			MQTTBroker:       "tcp://localhost:1883",
			MQTTClientID:     "busalert-test",
			MQTTTopic:        "bus_locations/+/changes",
			TriggerTimeoutMS: 1000,
		},
		logger: zaptest.NewLogger(t),
	}

	a.buildTriggers()

	assert.NotNil(t, a.mqtt)
	assert.Nil(t, a.kafka)
}
