package qcm

// Identity handshake request tag and parameter.
const (
	// GetUniqueIDTag requests the device identity.
	GetUniqueIDTag = "getUniqueID"
	// UniqueIDParam carries the suggested and the reported device identity.
	UniqueIDParam = "UniqueID"
)

// CustomEvent is a decoded custom message received from a device.
// Reply is set when the message answers a request sent with SendCustomMessage.
type CustomEvent struct {
	Message string
	Reply   *Reply
}

// Reply is a device answer correlated to a request by ID.
type Reply struct {
	ID     uint64
	OK     bool
	Params map[string]string
}

// CustomObserver receives custom events from a Link.
type CustomObserver interface {
	CustomEventReceived(ev CustomEvent)
}

// Link is a message channel to a QCM device. Events are delivered to
// observers one at a time from a single goroutine.
type Link interface {
	ConnectCustomObserver(o CustomObserver)
	DisconnectCustomObserver(o CustomObserver)
	// SendCustomMessage sends a tagged request and returns the ID its reply will carry.
	SendCustomMessage(tag string, params map[string]string) (uint64, error)
}

// Device is a Link with its own connection lifecycle (real or mocked).
type Device interface {
	Link
	Connect() error
	Close() error
	IsConnected() bool
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)
