// Package natsclient manages NATS connections and JetStream KV buckets with
// a circuit breaker around connection attempts.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semrecall/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client manages a NATS connection with a circuit breaker around connect
// attempts. Storage access goes through JetStream KV buckets; see KVStore.
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication - cleared on close
	username string
	password string
	token    string

	// TLS
	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	// Callbacks
	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	// Health monitoring
	healthTicker   *time.Ticker
	healthInterval time.Duration
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    -1, // infinite by default
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	c.logger.Debugf("Created NATS client for %s", url)

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// GetConnection returns the current NATS connection
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// SetConnection sets the NATS connection (for testing)
func (c *Client) SetConnection(conn *nats.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	if conn != nil && conn.IsConnected() {
		c.setStatus(StatusConnected)
	}
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the connection is healthy
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the current failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current backoff duration
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// recordFailure records a connection failure and manages the circuit breaker
func (c *Client) recordFailure() {
	totalFailures := c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	circuitFailures := c.circuitFailures.Add(1)

	c.logger.Debugf("Recorded failure %d (circuit failures: %d)", totalFailures, circuitFailures)

	if circuitFailures < c.circuitThreshold {
		return
	}

	currentStatus := c.Status()
	if currentStatus != StatusCircuitOpen {
		// Only one goroutine wins the transition to open
		if c.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			currentBackoff := c.backoff.Load().(time.Duration)
			newBackoff := currentBackoff * 2
			if newBackoff > c.maxBackoff {
				newBackoff = c.maxBackoff
			}
			c.backoff.Store(newBackoff)

			c.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
				circuitFailures, currentBackoff)

			c.circuitFailures.Store(0)
			time.AfterFunc(currentBackoff, c.testCircuit)
		}
	} else {
		// Failures continued while the circuit was open
		currentBackoff := c.backoff.Load().(time.Duration)
		newBackoff := currentBackoff * 2
		if newBackoff > c.maxBackoff {
			newBackoff = c.maxBackoff
		}
		c.backoff.Store(newBackoff)

		c.logger.Printf("Circuit breaker still open, increased backoff to %v", newBackoff)
		c.circuitFailures.Store(0)
	}
}

// resetCircuit resets the circuit breaker state
func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// testCircuit moves an open circuit back to disconnected so the next
// Connect attempt can probe the server
func (c *Client) testCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker test: moving from open to disconnected")
		c.setStatus(StatusDisconnected)
	}
}

// WaitForConnection waits for the connection to be established
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

// buildConnectionOptions builds NATS connection options from client configuration
func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}

	if c.tlsEnabled {
		if c.tlsCertFile != "" && c.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
		}
		if c.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(c.tlsCAFile))
		}
	}

	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// GetStatus returns current status information
func (c *Client) GetStatus() *Status {
	lastFailure := c.lastFailure.Load().(time.Time)

	status := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: lastFailure,
	}

	if c.conn != nil && c.conn.IsConnected() {
		if rtt, err := c.conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}

	return status
}

// Connect establishes connection to the NATS server
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s", c.url)

	opts := c.buildConnectionOptions()

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if js, err := jetstream.New(conn); err == nil {
			c.mu.Lock()
			c.js = js
			c.mu.Unlock()
		}

		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.recordFailure()

			if c.Status() != StatusCircuitOpen {
				c.setStatus(StatusDisconnected)
			}
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}

			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()

	c.logger.Printf("Successfully connected to NATS at %s", c.url)

	if c.healthInterval > 0 {
		c.logger.Debugf("Starting health monitoring with interval %v", c.healthInterval)
		c.startHealthMonitoring()
	}

	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}

	return nil
}

// Close drains and closes the NATS connection
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	// Stop health monitoring before acquiring the main mutex to avoid deadlock
	c.stopHealthMonitoring()

	c.mu.Lock()
	defer c.mu.Unlock()

	var drainErr error
	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
				c.logger.Errorf("Drain error: %v", err)
			}
		case <-time.After(drainTimeout):
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain timeout")
			c.logger.Errorf("Drain timeout after %v, force closing", drainTimeout)
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
			c.logger.Errorf("Context cancelled during drain, force closing")
		}

		c.conn.Close()
		c.conn = nil
	}

	// Clear credentials from memory
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)

	return drainErr
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}

	return conn.RTT()
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}

	return c.js, nil
}

// EnsureKeyValueBucket returns the named KV bucket, creating it if it does
// not exist. A concurrent creator winning the race is tolerated: the bucket
// is looked up again and returned. The bucket's MaxAge governs record
// expiry; because JetStream ages each revision independently, rewriting a
// key restarts its expiry clock.
func (c *Client) EnsureKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	// Existing bucket wins; its configuration is left untouched
	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		c.logger.Printf("Using existing KV bucket: %s", cfg.Bucket)
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			c.logger.Printf("KV bucket %s created concurrently, using existing bucket", cfg.Bucket)
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				c.recordFailure()
				return nil, errors.Wrap(err, "Client", "EnsureKeyValueBucket",
					fmt.Sprintf("access existing bucket %s", cfg.Bucket))
			}
			c.resetCircuit()
			return bucket, nil
		}
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	c.logger.Printf("Created new KV bucket: %s (ttl=%v)", cfg.Bucket, cfg.TTL)
	c.resetCircuit()
	return bucket, nil
}

// GetKeyValueBucket gets an existing KV bucket
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, name)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	c.resetCircuit()
	return bucket, nil
}

// DeleteKeyValueBucket deletes a KV bucket
func (c *Client) DeleteKeyValueBucket(ctx context.Context, name string) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return err
	}

	if err := js.DeleteKeyValue(ctx, name); err != nil {
		c.recordFailure()
		return err
	}

	c.resetCircuit()
	return nil
}

// OnHealthChange sets a callback for health status changes
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealthChange = fn
}

// Event handlers for NATS connection
func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)

	c.mu.RLock()
	onDisconnect := c.onDisconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()

	c.mu.RLock()
	onReconnect := c.onReconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Errorf("NATS error: %v", err)
}

// startHealthMonitoring starts periodic health checks
func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	c.healthTicker = time.NewTicker(c.healthInterval)
	c.healthDone = make(chan struct{})
	ticker := c.healthTicker
	done := c.healthDone
	c.mu.Unlock()

	go func() {
		defer ticker.Stop()
		lastHealthy := c.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.RLock()
				conn := c.conn
				c.mu.RUnlock()

				if conn == nil {
					continue
				}

				healthy := conn.IsConnected()
				if _, err := conn.RTT(); err != nil {
					healthy = false
				}

				if healthy && c.Status() != StatusConnected {
					c.setStatus(StatusConnected)
				} else if !healthy && c.Status() == StatusConnected {
					c.setStatus(StatusReconnecting)
				}

				if healthy != lastHealthy && c.onHealthChange != nil {
					c.onHealthChange(healthy)
				}

				lastHealthy = healthy
			}
		}
	}()
}

// stopHealthMonitoring stops the health monitoring goroutine
func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.healthTicker != nil {
		c.healthTicker.Stop()
		c.healthTicker = nil
	}
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}

// isAlreadyExistsError checks if an error indicates a KV bucket already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
