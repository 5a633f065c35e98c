package qcm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/goqcm/pkg/config"
)

const mockOutboxSize = 16

// Mock simulates a QCM device for testing and development.
type Mock struct {
	cfg config.MockConfig

	observers observers
	nextID    atomic.Uint64
	outbox    chan CustomEvent

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected bool

	// Simulation state, owned by the run goroutine
	rng         *rand.Rand
	temperature float64
}

// NewMock creates a new simulated device instance.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.Default().Mock
	}

	return &Mock{
		cfg:    *cfg,
		outbox: make(chan CustomEvent, mockOutboxSize),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x51c)),
	}
}

// Connect starts the simulated device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.connected = true
	m.temperature = float64(m.cfg.Temperature)

	m.wg.Add(1)
	go m.run(m.ctx)

	return nil
}

// Close stops the simulated device. Undelivered events are dropped.
func (m *Mock) Close() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.connected = false
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ConnectCustomObserver registers o for incoming custom events.
func (m *Mock) ConnectCustomObserver(o CustomObserver) {
	m.observers.add(o)
}

// DisconnectCustomObserver unregisters o.
func (m *Mock) DisconnectCustomObserver(o CustomObserver) {
	m.observers.remove(o)
}

// Observers returns the number of registered observers.
func (m *Mock) Observers() int {
	return m.observers.len()
}

// SendCustomMessage accepts a request. getUniqueID is answered after the
// configured delay unless the mock is set to ignore it.
func (m *Mock) SendCustomMessage(tag string, params map[string]string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	id := m.nextID.Add(1)
	if tag != GetUniqueIDTag {
		m.schedule(0, CustomEvent{
			Message: EncodeReply(Reply{ID: id, OK: false}),
			Reply:   &Reply{ID: id, OK: false},
		})
		return id, nil
	}
	if m.cfg.IgnoreHandshake {
		return id, nil
	}

	reply := Reply{ID: id, OK: !m.cfg.RejectHandshake, Params: map[string]string{}}
	if reply.OK {
		deviceID := m.cfg.DeviceID
		if deviceID == "" {
			deviceID = params[UniqueIDParam]
		}
		reply.Params[UniqueIDParam] = deviceID
	}
	m.schedule(m.cfg.ReplyDelay, CustomEvent{Message: EncodeReply(reply), Reply: &reply})

	return id, nil
}

// Inject queues a raw custom message as if the device had sent it.
func (m *Mock) Inject(message string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return ErrNotConnected
	}
	m.schedule(0, CustomEvent{Message: message})
	return nil
}

// schedule queues ev for delivery by the run goroutine after delay.
// Callers hold m.mu for reading.
func (m *Mock) schedule(delay time.Duration, ev CustomEvent) {
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		select {
		case m.outbox <- ev:
		case <-ctx.Done():
		}
	}()
}

// run delivers generated samples and queued events one at a time.
func (m *Mock) run(ctx context.Context) {
	defer m.wg.Done()

	var tick <-chan time.Time
	if m.cfg.SampleRate > 0 {
		ticker := time.NewTicker(m.cfg.SampleRate)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.observers.dispatch(CustomEvent{Message: m.generateSample()})
		case ev := <-m.outbox:
			m.observers.dispatch(ev)
		}
	}
}

// generateSample generates a single simulated RAWMONITOR message.
func (m *Mock) generateSample() string {
	frequency := float64(m.cfg.Frequency) + m.rng.NormFloat64()*m.cfg.NoiseLevel

	// Pulse counting over a fixed gate occasionally drops or doubles an edge burst
	if m.cfg.GlitchRate > 0 && m.rng.Float64() < m.cfg.GlitchRate {
		glitch := float64(m.cfg.Frequency) / 100
		if m.rng.IntN(2) == 0 {
			glitch = -glitch
		}
		frequency += glitch
	}

	// Slow temperature drift around the configured value
	m.temperature += (float64(m.cfg.Temperature) - m.temperature) * 0.05
	m.temperature += m.rng.NormFloat64() * 0.5

	return fmt.Sprintf("RAWMONITOR%d_%d", int64(frequency+0.5), int64(m.temperature+0.5))
}
