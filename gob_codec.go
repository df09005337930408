package queue

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pkg/errors"
)

// Codec turns jobs into payload bytes and back. Drivers store only what the
// codec produces.
type Codec interface {
	Marshal(job Job) ([]byte, error)
	Unmarshal(data []byte) (Job, error)
}

var _ Codec = GobCodec{}

// GobCodec is the opaque codec. It captures the exported state of any job
// whose concrete type was registered with gob.Register, and is meant for
// queues that never leave the process or the binary version, like the memory
// driver. Payloads from untrusted sources should go through a Registry instead.
type GobCodec struct{}

type gobEnvelope struct {
	Value interface{}
}

// Marshal serializes the job to bytes
func (c GobCodec) Marshal(job Job) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&gobEnvelope{Value: job}); err != nil {
		return nil, serializationErr(fmt.Sprintf("%T", job), err)
	}
	return buf.Bytes(), nil
}

// Unmarshal reverses the bytes to a job. The decoded value must implement Job.
func (c GobCodec) Unmarshal(data []byte) (Job, error) {
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, serializationErr("", errors.Wrap(ErrMalformedPayload, err.Error()))
	}
	job, ok := env.Value.(Job)
	if !ok {
		return nil, serializationErr(fmt.Sprintf("%T", env.Value), ErrNotAJob)
	}
	return job, nil
}

func init() {
	gob.Register(&chainJob{})
	gob.Register(&batchJob{})
}
