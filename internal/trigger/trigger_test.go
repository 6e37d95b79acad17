package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/metrics"
)

type call struct {
	busID  string
	change domain.LocationChange
}

type mockHandler struct {
	mu             sync.Mutex
	calls          []call
	handleChangeFn func(ctx context.Context, busID string, change domain.LocationChange) ([]*domain.AlertRecord, error)
}

func (m *mockHandler) HandleChange(ctx context.Context, busID string, change domain.LocationChange) ([]*domain.AlertRecord, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call{busID: busID, change: change})
	m.mu.Unlock()
	if m.handleChangeFn == nil {
		return nil, nil
	}
	return m.handleChangeFn(ctx, busID, change)
}

func (m *mockHandler) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestDecodeChangeEvent(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		fallback  string
		wantBusID string
		wantErr   bool
	}{
		{name: "bus id in body", payload: `{"busId":"B1","after":{"speed":20}}`, fallback: "K", wantBusID: "B1"},
		{name: "bus id from fallback", payload: `{"after":{"speed":20}}`, fallback: "K", wantBusID: "K"},
		{name: "no bus id", payload: `{"after":{"speed":20}}`, wantErr: true},
		{name: "malformed", payload: `{"after":`, fallback: "K", wantErr: true},
		{name: "non numeric speed", payload: `{"after":{"speed":"fast"}}`, fallback: "K", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeChangeEvent([]byte(tt.payload), tt.fallback)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBusID, ev.BusID)
			require.NotNil(t, ev.Change().After)
			assert.Equal(t, 20.0, ev.Change().After.Speed.OrZero())
		})
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	done      chan struct{}
	want      int
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{msgs: msgs, done: make(chan struct{}), want: len(msgs)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.committed) == r.want {
		close(r.done)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func runKafka(t *testing.T, kt *KafkaTrigger, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- kt.Run(ctx) }()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commits")
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestKafkaTriggerHandlesAndCommits(t *testing.T) {
	h := &mockHandler{}
	r := newFakeReader(
		kafka.Message{Offset: 1, Key: []byte("B1"), Value: []byte(`{"before":{"speed":10},"after":{"speed":20}}`)},
		kafka.Message{Offset: 2, Value: []byte(`not json`)},
		kafka.Message{Offset: 3, Value: []byte(`{"busId":"B2","before":{"speed":10},"after":null}`)},
	)
	kt := newKafkaTrigger(r, h, RetryPolicy{MaxAttempts: 3}, zaptest.NewLogger(t))

	runKafka(t, kt, r)

	assert.Equal(t, []int64{1, 2, 3}, r.committed)
	require.Equal(t, 2, h.callCount())
	assert.Equal(t, "B1", h.calls[0].busID)
	assert.Equal(t, 20.0, h.calls[0].change.After.Speed.OrZero())
	assert.Equal(t, "B2", h.calls[1].busID)
	assert.Nil(t, h.calls[1].change.After)
}

func TestKafkaTriggerRetriesThenCommits(t *testing.T) {
	attempts := 0
	h := &mockHandler{handleChangeFn: func(context.Context, string, domain.LocationChange) ([]*domain.AlertRecord, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("deadline exceeded")
		}
		return []*domain.AlertRecord{{ID: "a1"}}, nil
	}}
	r := newFakeReader(kafka.Message{Offset: 7, Key: []byte("B1"), Value: []byte(`{"after":{"speed":20}}`)})
	kt := newKafkaTrigger(r, h, RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, zaptest.NewLogger(t))

	runKafka(t, kt, r)

	assert.Equal(t, 2, attempts)
	assert.Equal(t, []int64{7}, r.committed)
}

func TestKafkaTriggerGivesUpAfterMaxAttempts(t *testing.T) {
	h := &mockHandler{handleChangeFn: func(context.Context, string, domain.LocationChange) ([]*domain.AlertRecord, error) {
		return nil, errors.New("unavailable")
	}}
	r := newFakeReader(kafka.Message{Offset: 9, Key: []byte("B1"), Value: []byte(`{"after":{"speed":20}}`)})
	kt := newKafkaTrigger(r, h, RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}, zaptest.NewLogger(t))

	runKafka(t, kt, r)

	assert.Equal(t, 2, h.callCount())
	assert.Equal(t, []int64{9}, r.committed)
}

func TestKafkaTriggerShutdownMidRetryLeavesUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &mockHandler{handleChangeFn: func(context.Context, string, domain.LocationChange) ([]*domain.AlertRecord, error) {
		cancel()
		return nil, errors.New("unavailable")
	}}
	r := newFakeReader(kafka.Message{Offset: 4, Key: []byte("B1"), Value: []byte(`{"after":{"speed":20}}`)})
	kt := newKafkaTrigger(r, h, RetryPolicy{MaxAttempts: 5, Backoff: time.Second}, zaptest.NewLogger(t))
	failed := metrics.TriggerInvocations.WithLabelValues(sourceKafka, metrics.OutcomeFailed)
	failedBefore := testutil.ToFloat64(failed)

	require.NoError(t, kt.Run(ctx))

	assert.Equal(t, 1, h.callCount())
	assert.Empty(t, r.committed, "event is redelivered after restart")
	assert.Equal(t, failedBefore, testutil.ToFloat64(failed), "not counted as given up")
}

type fakeMQTTMessage struct {
	topic   string
	payload []byte
	acked   bool
}

func (f *fakeMQTTMessage) Duplicate() bool   { return false }
func (f *fakeMQTTMessage) Qos() byte         { return 1 }
func (f *fakeMQTTMessage) Retained() bool    { return false }
func (f *fakeMQTTMessage) Topic() string     { return f.topic }
func (f *fakeMQTTMessage) MessageID() uint16 { return 1 }
func (f *fakeMQTTMessage) Payload() []byte   { return f.payload }
func (f *fakeMQTTMessage) Ack()              { f.acked = true }

func newTestMQTT(t *testing.T, h ChangeHandler) *MQTTTrigger {
	return &MQTTTrigger{
		topic:   "bus_locations/+/changes",
		handler: h,
		timeout: time.Second,
		logger:  zaptest.NewLogger(t),
	}
}

func TestMQTTHandleMessage(t *testing.T) {
	h := &mockHandler{}
	tr := newTestMQTT(t, h)
	msg := &fakeMQTTMessage{
		topic:   "bus_locations/B7/changes",
		payload: []byte(`{"busId":"ignored","before":{"speed":5},"after":{"speed":20,"lat":26.1,"lng":91.7}}`),
	}

	tr.handleMessage(nil, msg)

	require.Equal(t, 1, h.callCount())
	assert.Equal(t, "B7", h.calls[0].busID)
	assert.True(t, msg.acked)
}

func TestMQTTHandleMessageFailureLeavesUnacked(t *testing.T) {
	h := &mockHandler{handleChangeFn: func(context.Context, string, domain.LocationChange) ([]*domain.AlertRecord, error) {
		return nil, errors.New("store unavailable")
	}}
	tr := newTestMQTT(t, h)
	msg := &fakeMQTTMessage{topic: "bus_locations/B7/changes", payload: []byte(`{"after":{"speed":20}}`)}

	tr.handleMessage(nil, msg)

	assert.False(t, msg.acked)
}

func TestMQTTHandleMessageInvalid(t *testing.T) {
	tests := []struct {
		name string
		msg  *fakeMQTTMessage
	}{
		{name: "bad payload", msg: &fakeMQTTMessage{topic: "bus_locations/B7/changes", payload: []byte(`{`)}},
		{name: "foreign topic", msg: &fakeMQTTMessage{topic: "depots/D1/changes", payload: []byte(`{}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &mockHandler{}
			tr := newTestMQTT(t, h)

			tr.handleMessage(nil, tt.msg)

			assert.Equal(t, 0, h.callCount())
			assert.True(t, tt.msg.acked)
		})
	}
}

func TestBusIDFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{topic: "bus_locations/B1/changes", want: "B1", ok: true},
		{topic: "bus_locations//changes", ok: false},
		{topic: "bus_locations/B1/raw", ok: false},
		{topic: "bus_locations/B1/changes/extra", ok: false},
	}

	for _, tt := range tests {
		got, ok := busIDFromTopic("bus_locations/+/changes", tt.topic)
		assert.Equal(t, tt.ok, ok, tt.topic)
		assert.Equal(t, tt.want, got, tt.topic)
	}
}
