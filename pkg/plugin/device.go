package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultConnectTimeout bounds a device connection attempt.
const DefaultConnectTimeout = 30 * time.Second

// ConnectionState is the link state of a hardware device.
type ConnectionState string

const (
	StateDisconnected   ConnectionState = "disconnected"
	StateScanning       ConnectionState = "scanning"
	StateConnecting     ConnectionState = "connecting"
	StateAuthenticating ConnectionState = "authenticating"
	StateConnected      ConnectionState = "connected"
	StateAuthFailed     ConnectionState = "auth_failed"
	StateReconnecting   ConnectionState = "reconnecting"
)

// inFlight states may fail into AuthFailed or Reconnecting.
func (s ConnectionState) inFlight() bool {
	switch s {
	case StateScanning, StateConnecting, StateAuthenticating, StateConnected, StateReconnecting:
		return true
	}
	return false
}

var forward = map[ConnectionState]ConnectionState{
	StateDisconnected:   StateScanning,
	StateScanning:       StateConnecting,
	StateConnecting:     StateAuthenticating,
	StateAuthenticating: StateConnected,
	StateReconnecting:   StateConnecting,
	StateAuthFailed:     StateScanning,
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to ConnectionState) bool {
	switch {
	case to == StateDisconnected:
		return true
	case to == StateAuthFailed || to == StateReconnecting:
		return from.inFlight()
	default:
		return forward[from] == to
	}
}

// DiscoveredDevice is a scan result.
type DiscoveredDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	RSSI int    `json:"rssi"`
}

// Device is implemented by plugins that own a hardware link. Scan closes
// its channel when ctx is done.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Scan(ctx context.Context) (<-chan DiscoveredDevice, error)
	ConnectionState() ConnectionState
}

// Connection tracks a device link state machine. The zero value is a
// disconnected link.
type Connection struct {
	mu       sync.Mutex
	state    ConnectionState
	onChange func(from, to ConnectionState)
}

// NewConnection creates a disconnected link. onChange, if set, runs after
// every accepted transition.
func NewConnection(onChange func(from, to ConnectionState)) *Connection {
	return &Connection{state: StateDisconnected, onChange: onChange}
}

// State returns the current link state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return StateDisconnected
	}
	return c.state
}

// Transition moves the link to state to or returns ErrInvalidTransition.
func (c *Connection) Transition(to ConnectionState) error {
	c.mu.Lock()
	from := c.state
	if from == "" {
		from = StateDisconnected
	}
	if !canTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil && from != to {
		fn(from, to)
	}
	return nil
}

// ConnectWithTimeout runs connect with a DefaultConnectTimeout deadline. If
// the deadline passes the link is put into Reconnecting and a retryable
// DeviceNotReady error is returned.
func (c *Connection) ConnectWithTimeout(ctx context.Context, connect func(ctx context.Context) error) error {
	return c.connectWithin(ctx, DefaultConnectTimeout, connect)
}

func (c *Connection) connectWithin(ctx context.Context, timeout time.Duration, connect func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- protect(func() error { return connect(ctx) }) }()
	select {
	case err := <-done:
		if err != nil {
			if c.State().inFlight() {
				_ = c.Transition(StateReconnecting)
			}
			var ce *CapabilityError
			if errors.As(err, &ce) {
				return err
			}
			return IOFailure(err)
		}
		return nil
	case <-ctx.Done():
		if c.State().inFlight() {
			_ = c.Transition(StateReconnecting)
		}
		return DeviceNotReady(fmt.Errorf("connect: %w", ctx.Err()))
	}
}
