package queue

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrEmpty is returned by Driver.Pop when no job is eligible.
	ErrEmpty = errors.New("no eligible job in queue")
	// ErrConnectionNotFound is returned when a connection name is not registered.
	ErrConnectionNotFound = errors.New("queue connection not registered")
	// ErrSyncWorker is returned when a worker loop is started on a sync connection.
	ErrSyncWorker = errors.New("sync connections execute jobs inline and cannot be worked")
	// ErrNoJobs is returned when a chain or a dispatch has nothing to push.
	ErrNoJobs = errors.New("no jobs provided")
	// ErrJobTimeout is the failure recorded when an attempt exceeds its timeout.
	ErrJobTimeout = errors.New("job timed out")
)

// errInterrupted marks an attempt cut short by the worker's own context.
var errInterrupted = errors.New("worker stopped during the attempt")

// Reasons carried by a SerializationError.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNotAJob          = errors.New("decoded value is not a job")
	ErrModuleNotAllowed = errors.New("module not in allowlist")
	ErrUnknownModule    = errors.New("no job types registered for module")
	ErrUnknownJobType   = errors.New("job type not registered")
	ErrNotSerializable  = errors.New("job type does not implement Serializable")
)

// SerializationError reports a payload that could not be encoded or turned
// back into a job. Use errors.Is against the Err* reasons above to tell the
// cases apart.
type SerializationError struct {
	// Class is the job type tag involved, if known.
	Class string
	Err   error
}

func (e *SerializationError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("queue: serialization failed: %s", e.Err)
	}
	return fmt.Sprintf("queue: serialization of %q failed: %s", e.Class, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func serializationErr(class string, err error) error {
	return &SerializationError{Class: class, Err: err}
}
