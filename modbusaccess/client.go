package modbusaccess

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/meteragent/meter"
	"github.com/grid-x/modbus"
)

// Client reads registers from one Modbus TCP meter.
// It hides the underlying open source modbus library, mapping the configured
// registers onto bulk holding-register reads, and adds per-call timeout and
// reconnection logic.
type Client struct {
	host    string
	slaveID byte

	handler         *modbus.TCPClientHandler
	subClient       modbus.Client // the raw client of the underlying modbus library we are using
	shouldReconnect bool          // when true, the subClient is 'dirty' and will be re-created next time a read call is made

	mu        sync.Mutex // serialises reads; the underlying client is not safe for concurrent use
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewClient returns a client for the meter at `host`. The connection is made
// lazily on the first read.
func NewClient(host string, slaveID byte) *Client {
	return &Client{
		host:            host,
		slaveID:         slaveID,
		shouldReconnect: true,
		logger:          slog.Default().With("host", host),
	}
}

// ReadRegister reads a single register with a bounded wait.
func (c *Client) ReadRegister(ctx context.Context, reg meter.Register, timeout time.Duration) meter.ReadResult {
	results := c.ReadRegisters(ctx, []meter.Register{reg}, timeout)
	return results[0]
}

// ReadRegisters reads a batch of registers, grouped into as few bulk
// holding-register requests as their addresses allow. The results are
// index-aligned with `regs`; a timeout fails the whole batch uniformly.
func (c *Client) ReadRegisters(ctx context.Context, regs []meter.Register, timeout time.Duration) []meter.ReadResult {
	results := make([]meter.ReadResult, len(regs))
	if len(regs) == 0 {
		return results
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reconnectIfNeccesary(); err != nil {
		for i := range results {
			results[i] = meter.ReadResult{Err: fmt.Errorf("connect: %w", err)}
		}
		return results
	}

	for _, b := range planBlocks(regs) {
		bytes, err := c.readBlockWithTimeout(ctx, b, timeout)
		if err != nil {
			c.setShouldReconnect()
			// a failed block fails every register in the batch uniformly,
			// which is what drives the caller's shrink-and-retry policy
			for i := range results {
				results[i] = meter.ReadResult{Err: err}
			}
			return results
		}
		for _, idx := range b.members {
			value, ok := b.extract(bytes, regs[idx])
			if !ok {
				results[idx] = meter.ReadResult{Err: fmt.Errorf("register %q outside read block", regs[idx].Field)}
				continue
			}
			results[idx] = meter.ReadResult{Value: value}
		}
	}
	return results
}

// connectivityProbeTimeout bounds the reachability probe.
const connectivityProbeTimeout = 3 * time.Second

// CheckConnectivity probes the meter by opening the connection. Only a failed
// or timed-out connect counts as unreachable.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.reconnectIfNeccesary()
	}()

	select {
	case <-time.After(connectivityProbeTimeout):
		c.setShouldReconnect()
		return false
	case <-ctx.Done():
		return false
	case err := <-errCh:
		return err == nil
	}
}

// Close releases the network endpoint. Idempotent, never returns an error.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.handler != nil {
			if err := c.handler.Close(); err != nil {
				c.logger.Warn("Error closing modbus connection", "error", err)
			}
		}
		c.shouldReconnect = true
	})
}

// readBlockWithTimeout races one bulk read against the caller's deadline. The
// library call blocks, so it is run in its own goroutine; on timeout the
// goroutine is abandoned and the connection marked for reconnect.
func (c *Client) readBlockWithTimeout(ctx context.Context, b block, timeout time.Duration) ([]byte, error) {
	type outcome struct {
		bytes []byte
		err   error
	}

	outcomes := make(chan outcome, 1)
	go func() {
		bytes, err := c.subClient.ReadHoldingRegisters(b.startAddr, b.numRegs)
		outcomes <- outcome{bytes: bytes, err: err}
	}()

	select {
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w after %v", meter.ErrReadTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-outcomes:
		if o.err != nil {
			return nil, fmt.Errorf("read block at %d: %w", b.startAddr, o.err)
		}
		return o.bytes, nil
	}
}

// createSubClient creates the open-source modbus library client with sensible
// defaults and connects to the host.
func (c *Client) createSubClient() error {
	handler := modbus.NewTCPClientHandler(c.host)
	handler.Timeout = 10 * time.Second
	handler.SlaveID = c.slaveID

	err := handler.Connect()
	if err != nil {
		return fmt.Errorf("connect modbus handler: %w", err)
	}

	c.handler = handler
	c.subClient = modbus.NewClient(handler)

	return nil
}

// setShouldReconnect is called when there has been an error with the modbus
// connection that should trigger a re-connect.
func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}

// reconnectIfNeccesary will close the old connection and reconnect if there
// have been problems with the connection.
func (c *Client) reconnectIfNeccesary() error {
	if !c.shouldReconnect {
		return nil
	}

	// Ignore errors from Close() as we will continue with the reconnect anyway and start a new connection.
	if c.handler != nil {
		c.handler.Close()
	}

	err := c.createSubClient()
	if err != nil {
		return err
	}

	c.shouldReconnect = false

	c.logger.Info("Connected modbus client")

	return nil
}

var _ meter.Reader = (*Client)(nil)
