package bacnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cepro/meteragent/meter"
)

// Client provides an interface onto one BACnet device.
// It hides the underlying protocol transport and adds per-call timeout logic:
// the transport's blocking calls are raced against a deadline so that a
// silently-dropping device resolves with a timeout error rather than hanging.
type Client struct {
	addr      Address
	transport Transport

	closeOnce sync.Once
	logger    *slog.Logger
}

// NewClient wraps the given transport for the device at `addr`.
func NewClient(transport Transport, addr Address) *Client {
	return &Client{
		addr:      addr,
		transport: transport,
		logger:    slog.Default().With("device", addr.String()),
	}
}

// ReadRegister reads a single register's present value with a bounded wait.
func (c *Client) ReadRegister(ctx context.Context, reg meter.Register, timeout time.Duration) meter.ReadResult {
	req, err := requestForRegister(reg)
	if err != nil {
		return meter.ReadResult{Err: err}
	}

	value, err := c.readWithTimeout(ctx, timeout, func() (interface{}, error) {
		return c.transport.ReadProperty(c.addr, req)
	})
	if err != nil {
		return meter.ReadResult{Err: err}
	}

	numeric, err := numericValue(value)
	if err != nil {
		return meter.ReadResult{Err: fmt.Errorf("register %q: %w", reg.Field, err)}
	}
	return meter.ReadResult{Value: numeric}
}

// ReadRegisters reads a batch of registers in one read-property-multiple
// request. The results are index-aligned with `regs`. A timeout or
// request-level failure is applied uniformly to every result, which is what
// drives the caller's shrink-and-retry policy.
func (c *Client) ReadRegisters(ctx context.Context, regs []meter.Register, timeout time.Duration) []meter.ReadResult {
	results := make([]meter.ReadResult, len(regs))

	reqs := make([]PropertyRequest, len(regs))
	for i, reg := range regs {
		req, err := requestForRegister(reg)
		if err != nil {
			// unknown names fail the batch before any network call
			for j := range results {
				results[j] = meter.ReadResult{Err: err}
			}
			return results
		}
		reqs[i] = req
	}

	value, err := c.readWithTimeout(ctx, timeout, func() (interface{}, error) {
		return c.transport.ReadPropertyMultiple(c.addr, reqs)
	})
	if err != nil {
		for i := range results {
			results[i] = meter.ReadResult{Err: err}
		}
		return results
	}

	values, ok := value.([]interface{})
	if !ok || len(values) != len(regs) {
		err := fmt.Errorf("transport returned %d values for %d requests", len(values), len(regs))
		for i := range results {
			results[i] = meter.ReadResult{Err: err}
		}
		return results
	}

	for i, raw := range values {
		numeric, err := numericValue(raw)
		if err != nil {
			results[i] = meter.ReadResult{Err: fmt.Errorf("register %q: %w", regs[i].Field, err)}
			continue
		}
		results[i] = meter.ReadResult{Value: numeric}
	}
	return results
}

// connectivityProbeTimeout bounds the reachability probe. It is short on
// purpose: an unreachable device should be skipped quickly.
const connectivityProbeTimeout = 3 * time.Second

// CheckConnectivity probes the device by reading its device object's name.
// Only a non-response counts as unreachable: devices exposing nonstandard
// object types can answer with protocol errors and are still considered
// reachable, since a false negative would wrongly skip all their reads.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	req := PropertyRequest{
		ObjectType:     ObjectDevice,
		ObjectInstance: c.addr.Device,
		Property:       PropertyObjectName,
	}

	_, err := c.readWithTimeout(ctx, connectivityProbeTimeout, func() (interface{}, error) {
		return c.transport.ReadProperty(c.addr, req)
	})
	if err == nil {
		return true
	}
	if errors.Is(err, meter.ErrReadTimeout) || ctx.Err() != nil {
		return false
	}
	return true
}

// Close releases the transport. Idempotent, never returns an error.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if err := c.transport.Close(); err != nil {
			c.logger.Warn("Error closing bacnet transport", "error", err)
		}
	})
}

// readWithTimeout races the blocking transport call against the deadline and
// the context. The transport has no native timeout support, so the call is
// run in its own goroutine; on timeout the goroutine is abandoned and its
// eventual result discarded.
func (c *Client) readWithTimeout(ctx context.Context, timeout time.Duration, read func() (interface{}, error)) (interface{}, error) {
	type outcome struct {
		value interface{}
		err   error
	}

	outcomes := make(chan outcome, 1)
	go func() {
		value, err := read()
		outcomes <- outcome{value: value, err: err}
	}()

	select {
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w after %v", meter.ErrReadTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-outcomes:
		if o.err != nil {
			return nil, fmt.Errorf("read property: %w", o.err)
		}
		return o.value, nil
	}
}

// requestForRegister converts the register configuration into a wire-level
// request, failing fast on unknown object type names.
func requestForRegister(reg meter.Register) (PropertyRequest, error) {
	objectType, err := ObjectTypeFromName(reg.ObjectType)
	if err != nil {
		return PropertyRequest{}, err
	}
	return PropertyRequest{
		ObjectType:     objectType,
		ObjectInstance: reg.ObjectInstance,
		Property:       PropertyPresentValue,
	}, nil
}

// numericValue converts the transport's untyped value into a float64.
func numericValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("non-numeric value %T", value)
}
