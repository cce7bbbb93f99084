package meter

import (
	"context"
	"errors"
	"time"
)

// ErrReadTimeout is wrapped by protocol clients when a device does not answer
// within the caller's deadline. The collection cycle treats timeouts
// differently from other read failures (they drive batch size reduction).
var ErrReadTimeout = errors.New("device read timed out")

// ReadResult is the outcome of reading one register: a value or an error,
// never both.
type ReadResult struct {
	Value float64
	Err   error
}

// Reader reads registers from a single device over the network. Every call
// carries an explicit timeout and returns structured results rather than
// hanging or panicking - a hung device must never hang a collection cycle.
type Reader interface {
	// ReadRegister reads one register.
	ReadRegister(ctx context.Context, reg Register, timeout time.Duration) ReadResult

	// ReadRegisters reads a batch of registers in one protocol request. The
	// results are index-aligned with `regs`. A device timeout fails the whole
	// batch uniformly: every result carries the same timeout error.
	ReadRegisters(ctx context.Context, regs []Register, timeout time.Duration) []ReadResult

	// CheckConnectivity is a cheap reachability probe. It is deliberately
	// permissive: only a clear non-response counts as unreachable, real
	// reachability is proven by a subsequent read.
	CheckConnectivity(ctx context.Context) bool

	// Close releases the network endpoint. Idempotent.
	Close()
}

// ReaderFactory opens a Reader for the given meter. The collection cycle
// opens one reader per meter per cycle and closes it when the meter is done.
type ReaderFactory func(Meter) (Reader, error)
