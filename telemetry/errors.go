package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies where in the pipeline a collection error occurred.
type ErrorKind string

const (
	ErrorKindConnectivity ErrorKind = "connectivity" // device unreachable before any read was attempted
	ErrorKindRead         ErrorKind = "read"         // an individual register or batch read failed or timed out
	ErrorKindWrite        ErrorKind = "write"        // the persistence transaction failed after retries
	ErrorKindConnect      ErrorKind = "connect"      // the meter cache or database was unreachable at cycle start
	ErrorKindUpload       ErrorKind = "upload"       // the remote API was unreachable or rejected a batch
)

// CollectionError is an append-only record of a single failure within a
// collection cycle. It is returned as data in the cycle result, never raised.
type CollectionError struct {
	MeterID uuid.UUID
	Field   string // empty unless the error is tied to a single register
	Kind    ErrorKind
	Message string
	Time    time.Time
}

// NewCollectionError stamps a collection error with the current time.
func NewCollectionError(meterID uuid.UUID, field string, kind ErrorKind, message string) CollectionError {
	return CollectionError{
		MeterID: meterID,
		Field:   field,
		Kind:    kind,
		Message: message,
		Time:    time.Now(),
	}
}
