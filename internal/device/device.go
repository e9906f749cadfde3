package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found on the link
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
	PermissionDenied ConnectionState = "permission_denied"
	Exhausted        ConnectionState = "reconnect_exhausted"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff, Msg: "bluetooth is turned off"}
	ErrPermissionDenied = &ConnectionError{State: PermissionDenied, Msg: "radio permission not granted"}
	ErrFatal            = &ConnectionError{State: Exhausted, Msg: "reconnect attempts exhausted"}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Record is a device discovered during a scan window.
// Everything except RSSI is fixed at discovery time.
type Record struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	RSSI       int    `json:"rssi"`
	Authorized bool   `json:"authorized"`
}

// DisplayName returns the advertised name, falling back to the address
func (r Record) DisplayName() string {
	if strings.TrimSpace(r.Name) == "" {
		return r.ID
	}
	return r.Name
}

// Advertisement is the subset of advertising data the scanner consumes
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	Connectable() bool
	RSSI() int
	Addr() string
}

// ScanningDevice represents a radio capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Priority is the requested link priority
type Priority int

const (
	PriorityBalanced Priority = iota
	PriorityHigh
	PriorityLowPower
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLowPower:
		return "low_power"
	default:
		return "balanced"
	}
}

// ConnectOptions defines link options requested on connect
type ConnectOptions struct {
	MTU            int
	Priority       Priority
	AutoConnect    bool
	ConnectTimeout time.Duration
}

// DefaultConnectOptions returns the options used to mitigate supervision timeouts:
// large MTU, high priority, auto-reconnect on.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		MTU:            247,
		Priority:       PriorityHigh,
		AutoConnect:    true,
		ConnectTimeout: 10 * time.Second,
	}
}

// Capability is one discovered GATT service with its characteristics
type Capability struct {
	Service         string
	Characteristics []string
}

// LinkParameters are the negotiated parameters of a live link
type LinkParameters struct {
	MTU      int
	Interval time.Duration
	Latency  int
	Timeout  time.Duration
}

// Subscription is an active characteristic notification subscription
type Subscription interface {
	Unsubscribe() error
}

// Link is a live connection to a peripheral
type Link interface {
	Address() string

	ExchangeMTU(mtu int) (int, error)
	RequestPriority(p Priority) error

	DiscoverCapabilities(ctx context.Context) ([]Capability, error)
	ReadSignalStrength(ctx context.Context) (int, error)
	ReadLinkParameters(ctx context.Context) (LinkParameters, error)
	ReadCharacteristic(ctx context.Context, service, char string) ([]byte, error)
	Subscribe(service, char string, callback func([]byte)) (Subscription, error)

	// Disconnected is closed when the peripheral drops the link
	Disconnected() <-chan struct{}
	Close() error
}

// Transport is the wireless stack consumed by the scanner and the supervisor
type Transport interface {
	ScanningDevice
	Dial(ctx context.Context, address string, opts ConnectOptions) (Link, error)
}

// PermissionProvider grants access to the radio. Scan refuses to start unless it resolves to true.
type PermissionProvider interface {
	Granted(ctx context.Context) (bool, error)
}

// PermissionFunc adapts a function to PermissionProvider
type PermissionFunc func(ctx context.Context) (bool, error)

func (f PermissionFunc) Granted(ctx context.Context) (bool, error) { return f(ctx) }

// AlwaysGranted is used on platforms where the OS prompts on first radio use
var AlwaysGranted PermissionProvider = PermissionFunc(func(context.Context) (bool, error) { return true, nil })

// EnsurePermission resolves the provider and maps a refusal to ErrPermissionDenied
func EnsurePermission(ctx context.Context, p PermissionProvider) error {
	if p == nil {
		return nil
	}
	ok, err := p.Granted(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}
