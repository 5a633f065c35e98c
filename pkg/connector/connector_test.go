package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itohio/goqcm/pkg/config"
	"github.com/itohio/goqcm/pkg/event"
	"github.com/itohio/goqcm/pkg/qcm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink is a scripted Link. respond, when set, runs inside
// SendCustomMessage before the correlation ID is returned.
type fakeLink struct {
	mu        sync.Mutex
	observers []qcm.CustomObserver
	sent      []qcm.Request
	nextID    uint64
	sendErr   error
	respond   func(l *fakeLink, req qcm.Request)
}

func (l *fakeLink) ConnectCustomObserver(o qcm.CustomObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

func (l *fakeLink) DisconnectCustomObserver(o qcm.CustomObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.observers {
		if existing == o {
			l.observers = append(l.observers[:i:i], l.observers[i+1:]...)
			return
		}
	}
}

func (l *fakeLink) SendCustomMessage(tag string, params map[string]string) (uint64, error) {
	l.mu.Lock()
	if l.sendErr != nil {
		l.mu.Unlock()
		return 0, l.sendErr
	}
	l.nextID++
	req := qcm.Request{Tag: tag, ID: l.nextID, Params: params}
	l.sent = append(l.sent, req)
	respond := l.respond
	l.mu.Unlock()

	if respond != nil {
		respond(l, req)
	}
	return req.ID, nil
}

func (l *fakeLink) deliver(ev qcm.CustomEvent) {
	l.mu.Lock()
	snapshot := append([]qcm.CustomObserver(nil), l.observers...)
	l.mu.Unlock()
	for _, o := range snapshot {
		o.CustomEventReceived(ev)
	}
}

func (l *fakeLink) observerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.observers)
}

func replyWith(ok bool, params map[string]string) func(*fakeLink, qcm.Request) {
	return func(l *fakeLink, req qcm.Request) {
		l.deliver(qcm.CustomEvent{Reply: &qcm.Reply{ID: req.ID, OK: ok, Params: params}})
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Handshake.Timeout = 100 * time.Millisecond
	return cfg
}

type eventSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *eventSink) IncomingEvent(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func TestNew(t *testing.T) {
	c := New(config.Default(), nil)
	assert.Equal(t, 5*time.Second, c.timeout)
	assert.Equal(t, 6000000, c.NominalFrequency())
	assert.Empty(t, c.DeviceID())
}

func TestNew_NominalFrequencyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Conditioner.NominalFrequency = 10000000
	c := New(cfg, nil)
	assert.Equal(t, 10000000, c.NominalFrequency())
}

func TestAttach_Success(t *testing.T) {
	c := New(testConfig(), nil)
	c.newID = func() string { return "suggested-id" }

	link := &fakeLink{respond: replyWith(true, map[string]string{qcm.UniqueIDParam: "QCM-0042"})}

	id, err := c.Attach(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, "QCM-0042", id)
	assert.Equal(t, "QCM-0042", c.DeviceID())
	assert.Equal(t, 1, link.observerCount())

	require.Len(t, link.sent, 1)
	assert.Equal(t, qcm.GetUniqueIDTag, link.sent[0].Tag)
	assert.Equal(t, "suggested-id", link.sent[0].Params[qcm.UniqueIDParam])
}

func TestAttach_AsynchronousReply(t *testing.T) {
	c := New(testConfig(), nil)
	link := &fakeLink{respond: func(l *fakeLink, req qcm.Request) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			l.deliver(qcm.CustomEvent{Message: "RAWMONITOR6000000_250"})
			l.deliver(qcm.CustomEvent{Reply: &qcm.Reply{ID: req.ID, OK: true, Params: map[string]string{
				qcm.UniqueIDParam: "async",
			}}})
		}()
	}}

	id, err := c.Attach(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, "async", id)
}

func TestAttach_SuggestedIDIsUUID(t *testing.T) {
	c := New(testConfig(), nil)
	link := &fakeLink{respond: func(l *fakeLink, req qcm.Request) {
		replyWith(true, map[string]string{qcm.UniqueIDParam: req.Params[qcm.UniqueIDParam]})(l, req)
	}}

	id, err := c.Attach(context.Background(), link)
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, id)
}

func TestAttach_IgnoresUncorrelatedReply(t *testing.T) {
	c := New(testConfig(), nil)
	link := &fakeLink{respond: func(l *fakeLink, req qcm.Request) {
		l.deliver(qcm.CustomEvent{Reply: &qcm.Reply{ID: req.ID + 100, OK: false}})
		replyWith(true, map[string]string{qcm.UniqueIDParam: "right"})(l, req)
	}}

	id, err := c.Attach(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, "right", id)
}

func TestAttach_Failures(t *testing.T) {
	tests := []struct {
		name    string
		link    *fakeLink
		wantErr error
	}{
		{
			name:    "device rejects",
			link:    &fakeLink{respond: replyWith(false, nil)},
			wantErr: ErrProtocol,
		},
		{
			name:    "reply without identity",
			link:    &fakeLink{respond: replyWith(true, map[string]string{"other": "x"})},
			wantErr: ErrProtocol,
		},
		{
			name:    "reply with empty identity",
			link:    &fakeLink{respond: replyWith(true, map[string]string{qcm.UniqueIDParam: ""})},
			wantErr: ErrProtocol,
		},
		{
			name:    "no reply",
			link:    &fakeLink{},
			wantErr: ErrTimeout,
		},
		{
			name:    "send fails",
			link:    &fakeLink{sendErr: errors.New("write: broken pipe")},
			wantErr: ErrIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(testConfig(), nil)

			id, err := c.Attach(context.Background(), tt.link)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, id)
			assert.Empty(t, c.DeviceID())
			assert.Equal(t, 0, tt.link.observerCount(), "observer left registered")

			c.mu.RLock()
			assert.Nil(t, c.link)
			c.mu.RUnlock()
		})
	}
}

func TestAttach_TimeoutIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Handshake.Timeout = 50 * time.Millisecond
	c := New(cfg, nil)

	start := time.Now()
	_, err := c.Attach(context.Background(), &fakeLink{})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestAttach_DefaultTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full default handshake timeout")
	}

	c := New(config.Default(), nil)

	start := time.Now()
	_, err := c.Attach(context.Background(), &fakeLink{})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 5*time.Second)
	assert.Less(t, elapsed, 7*time.Second)
}

func TestAttach_ContextCanceled(t *testing.T) {
	cfg := testConfig()
	cfg.Handshake.Timeout = time.Minute
	c := New(cfg, nil)
	link := &fakeLink{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Attach(ctx, link)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, link.observerCount())
}

func TestAttach_NilLink(t *testing.T) {
	c := New(testConfig(), nil)
	_, err := c.Attach(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilLink)
}

func TestAttach_ReattachDetachesFirstLink(t *testing.T) {
	c := New(testConfig(), nil)
	first := &fakeLink{respond: replyWith(true, map[string]string{qcm.UniqueIDParam: "first"})}
	second := &fakeLink{respond: replyWith(true, map[string]string{qcm.UniqueIDParam: "second"})}

	_, err := c.Attach(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, 1, first.observerCount())

	id, err := c.Attach(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, "second", id)
	assert.Equal(t, 0, first.observerCount())
	assert.Equal(t, 1, second.observerCount())
}

func TestAttach_FailedReattachLeavesNothingAttached(t *testing.T) {
	c := New(testConfig(), nil)
	first := &fakeLink{respond: replyWith(true, map[string]string{qcm.UniqueIDParam: "first"})}
	second := &fakeLink{respond: replyWith(false, nil)}

	_, err := c.Attach(context.Background(), first)
	require.NoError(t, err)

	_, err = c.Attach(context.Background(), second)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, 0, first.observerCount())
	assert.Equal(t, 0, second.observerCount())
	assert.Empty(t, c.DeviceID())
}

func TestDetach(t *testing.T) {
	c := New(testConfig(), nil)
	link := &fakeLink{respond: replyWith(true, map[string]string{qcm.UniqueIDParam: "dev"})}

	// detaching with nothing attached is a no-op
	c.Detach()

	_, err := c.Attach(context.Background(), link)
	require.NoError(t, err)

	c.Detach()
	assert.Empty(t, c.DeviceID())
	assert.Equal(t, 0, link.observerCount())

	c.Detach()
	assert.Empty(t, c.DeviceID())
}

func TestDispatch_PublishesConditionedEvents(t *testing.T) {
	c := New(testConfig(), nil)
	sink := &eventSink{}
	c.Subscribe(sink)

	link := &fakeLink{respond: replyWith(true, map[string]string{qcm.UniqueIDParam: "QCM-1"})}
	_, err := c.Attach(context.Background(), link)
	require.NoError(t, err)

	link.deliver(qcm.CustomEvent{Message: "RAWMONITOR9000000_235"})

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "QCM-1", events[0].SourceID)
	assert.Equal(t, 9000000.0, events[0].Value.Frequency)
	assert.InDelta(t, 23.5, events[0].Value.Temperature, 1e-9)
	assert.False(t, events[0].Time.IsZero())
}

func TestDispatch_AliasCorrection(t *testing.T) {
	c := New(testConfig(), nil)
	c.SetNominalFrequency(10000000)
	sink := &eventSink{}
	c.Subscribe(sink)

	c.CustomEventReceived(qcm.CustomEvent{Message: "RAWMONITOR9000000_235"})

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, 7000000.0, events[0].Value.Frequency)
}

func TestDispatch_DropsMalformedAndForeignMessages(t *testing.T) {
	c := New(testConfig(), nil)
	sink := &eventSink{}
	c.Subscribe(sink)

	c.CustomEventReceived(qcm.CustomEvent{Message: "RAWMONITORabc_567"})
	c.CustomEventReceived(qcm.CustomEvent{Message: "RAWMONITOR1_2_3"})
	c.CustomEventReceived(qcm.CustomEvent{Message: "RAWMONITOR9223372036854775807_250"})
	c.CustomEventReceived(qcm.CustomEvent{Message: "STATUS ok"})
	assert.Empty(t, sink.all())
	assert.Equal(t, 0, c.cond.Len())

	c.CustomEventReceived(qcm.CustomEvent{Message: "RAWMONITOR1234_567"})
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, 1234.0, events[0].Value.Frequency)
	assert.InDelta(t, 56.7, events[0].Value.Temperature, 1e-9)
}

func TestDispatch_UnexpectedReplyIgnored(t *testing.T) {
	c := New(testConfig(), nil)
	sink := &eventSink{}
	c.Subscribe(sink)

	c.CustomEventReceived(qcm.CustomEvent{Reply: &qcm.Reply{ID: 1, OK: true}})
	assert.Empty(t, sink.all())
}

func TestDispatch_FailingListenerDoesNotStopOthers(t *testing.T) {
	c := New(testConfig(), nil)
	failing := event.ListenerFunc(func(event.Event) error { return errors.New("display closed") })
	sink := &eventSink{}
	c.Subscribe(failing)
	c.Subscribe(sink)

	c.CustomEventReceived(qcm.CustomEvent{Message: "RAWMONITOR1000_250"})
	assert.Len(t, sink.all(), 1)

	require.True(t, c.Unsubscribe(failing))
	c.CustomEventReceived(qcm.CustomEvent{Message: "RAWMONITOR1000_250"})
	assert.Len(t, sink.all(), 2)
}

func TestAttach_ResetsFilterHistory(t *testing.T) {
	c := New(testConfig(), nil)
	c.CustomEventReceived(qcm.CustomEvent{Message: "RAWMONITOR1000_250"})
	require.Equal(t, 1, c.cond.Len())

	link := &fakeLink{respond: replyWith(true, map[string]string{qcm.UniqueIDParam: "dev"})}
	_, err := c.Attach(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, 0, c.cond.Len())
}

func TestAttach_WithMockDevice(t *testing.T) {
	mock := qcm.NewMock(&config.MockConfig{
		DeviceID:    "QCM-MOCK",
		Frequency:   6000000,
		Temperature: 251,
		SampleRate:  5 * time.Millisecond,
		ReplyDelay:  5 * time.Millisecond,
	})
	require.NoError(t, mock.Connect())
	defer mock.Close()

	c := New(testConfig(), nil)
	received := make(chan event.Event, 16)
	c.Subscribe(event.ListenerFunc(func(ev event.Event) error {
		select {
		case received <- ev:
		default:
		}
		return nil
	}))

	id, err := c.Attach(context.Background(), mock)
	require.NoError(t, err)
	assert.Equal(t, "QCM-MOCK", id)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-received:
			if ev.SourceID == "" {
				continue // sampled before the handshake completed
			}
			assert.Equal(t, "QCM-MOCK", ev.SourceID)
			assert.Equal(t, 6000000.0, ev.Value.Frequency)
			assert.InDelta(t, 25.1, ev.Value.Temperature, 0.5)
			c.Detach()
			assert.Equal(t, 0, mock.Observers())
			return
		case <-deadline:
			t.Fatal("no conditioned event received")
		}
	}
}

func TestAttach_MockIgnoresHandshake(t *testing.T) {
	mock := qcm.NewMock(&config.MockConfig{IgnoreHandshake: true})
	require.NoError(t, mock.Connect())
	defer mock.Close()

	c := New(testConfig(), nil)
	_, err := c.Attach(context.Background(), mock)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, mock.Observers())
}
