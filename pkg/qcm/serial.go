package qcm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the openQCM firmware baud rate.
	DefaultBaudRate = 115200
)

// ErrNotConnected is returned when sending over a closed link.
var ErrNotConnected = errors.New("not connected")

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial is a Link to a QCM device over a serial port.
type Serial struct {
	port     string
	baudRate int
	logger   *slog.Logger

	observers observers
	nextID    atomic.Uint64

	conn      io.ReadWriteCloser
	writeMu   sync.Mutex
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

// NewSerial creates a serial Link with the specified port and baud rate.
// A nil logger means slog.Default().
func NewSerial(port string, baudRate int, logger *slog.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		logger:   logger.With(slog.String("port", port)),
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(details))
	for _, d := range details {
		desc := d.Name
		if d.IsUSB {
			desc = fmt.Sprintf("%s (USB %s:%s %s)", d.Name, d.VID, d.PID, d.Product)
		}
		result = append(result, Port{
			Name:        d.Name,
			Description: desc,
		})
	}

	return result, nil
}

// Connect opens the serial port and starts reading device messages.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(d.port, &serial.Mode{
		BaudRate: d.baudRate,
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.start(port)
	return nil
}

// start begins reading from conn. Callers hold d.mu.
func (d *Serial) start(conn io.ReadWriteCloser) {
	ctx, cancel := context.WithCancel(context.Background())
	d.conn = conn
	d.cancel = cancel
	d.done = make(chan struct{})
	d.connected = true

	go d.readLoop(ctx, conn, d.done)
}

// Close closes the port and waits for the reader to stop.
func (d *Serial) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}

	d.cancel()
	var err error
	if cerr := d.conn.Close(); cerr != nil {
		err = fmt.Errorf("failed to close serial port %s: %w", d.port, cerr)
	}
	done := d.done
	d.conn = nil
	d.connected = false
	d.mu.Unlock()

	<-done
	return err
}

// IsConnected returns whether the port is currently open.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// ConnectCustomObserver registers o for incoming custom events.
func (d *Serial) ConnectCustomObserver(o CustomObserver) {
	d.observers.add(o)
}

// DisconnectCustomObserver unregisters o.
func (d *Serial) DisconnectCustomObserver(o CustomObserver) {
	d.observers.remove(o)
}

// SendCustomMessage writes a request line and returns its correlation ID.
func (d *Serial) SendCustomMessage(tag string, params map[string]string) (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return 0, ErrNotConnected
	}

	id := d.nextID.Add(1)
	line := EncodeRequest(Request{Tag: tag, ID: id, Params: params}) + "\n"

	d.writeMu.Lock()
	_, err := io.WriteString(d.conn, line)
	d.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", tag, err)
	}

	d.logger.Debug("sent custom message", slog.String("tag", tag), slog.Uint64("id", id))
	return id, nil
}

// readLoop reads lines from the port and dispatches decoded events.
// When reading stops without Close being called the link is marked disconnected.
func (d *Serial) readLoop(ctx context.Context, conn io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ev, err := DecodeLine(line)
		if err != nil {
			d.logger.Warn("failed to decode line", slog.String("line", line), slog.Any("error", err))
			continue
		}

		d.dispatch(ev)
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		d.logger.Error("error reading from serial port", slog.Any("error", err))
	} else {
		d.logger.Warn("serial port closed by device")
	}
	d.drop(done)
}

// dispatch delivers ev to every observer. A panicking observer is logged and
// does not stop delivery to the others or the read loop.
func (d *Serial) dispatch(ev CustomEvent) {
	for _, obs := range d.observers.snapshot() {
		d.deliver(obs, ev)
	}
}

func (d *Serial) deliver(obs CustomObserver, ev CustomEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in custom observer",
				slog.Any("panic", r),
				slog.String("observer", fmt.Sprintf("%T", obs)),
				slog.String("message", ev.Message),
			)
		}
	}()
	obs.CustomEventReceived(ev)
}

// drop releases the connection of the session identified by done after the
// reader stopped on its own.
func (d *Serial) drop(done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected || d.done != done {
		return
	}
	d.cancel()
	if err := d.conn.Close(); err != nil {
		d.logger.Debug("failed to close serial port", slog.Any("error", err))
	}
	d.conn = nil
	d.connected = false
}
