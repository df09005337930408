package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Serializable is implemented by jobs that can travel through a Registry.
// JobName returns the "module.Name" tag the type was registered under. The
// exported fields of the job, per encoding/json rules, form the payload data.
type Serializable interface {
	Job
	JobName() string
}

var _ Codec = (*Registry)(nil)

// Registry is the structured codec. Instead of capturing arbitrary state, it
// writes a JSON document naming the job type and its data, and on the way
// back only instantiates types that were explicitly registered under an
// allowlisted module. It is the codec to use for any payload that crosses a
// trust boundary, such as a shared Redis or database.
//
// A Registry is safe for concurrent use. Registrations are expected to happen
// before workers start.
type Registry struct {
	rwLock    sync.RWMutex
	allowed   []string
	factories map[string]func() Job
	modules   map[string]int
}

type structuredPayload struct {
	Class      string            `json:"class"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Jobs       []json.RawMessage `json:"jobs,omitempty"`
	BatchID    string            `json:"batch_id,omitempty"`
	Queue      string            `json:"queue"`
	Connection string            `json:"connection,omitempty"`
	Delay      string            `json:"delay"`
	Tries      int               `json:"tries"`
	Timeout    string            `json:"timeout"`
	RetryAfter string            `json:"retry_after"`
	JobID      string            `json:"job_id"`
}

// NewRegistry creates a Registry that accepts job types from the given
// modules. A module matches an entry when it is equal to it or nested below
// it, so "app.jobs" admits "app.jobs" and "app.jobs.mail" but not "app.jobsx".
// An empty allowlist admits nothing.
func NewRegistry(allowed ...string) *Registry {
	return &Registry{
		allowed:   append([]string(nil), allowed...),
		factories: make(map[string]func() Job),
		modules:   make(map[string]int),
	}
}

// Allow adds modules to the allowlist.
func (r *Registry) Allow(modules ...string) {
	r.rwLock.Lock()
	defer r.rwLock.Unlock()
	r.allowed = append(r.allowed, modules...)
}

// Register makes a job type available for decoding. The factory must return
// a fresh, pointer-typed zero value of the job. The tag is taken from the
// JobName of that value when it is Serializable; non-serializable factories
// can still be registered with RegisterAs, but decoding them fails.
func (r *Registry) Register(factory func() Job) {
	s, ok := factory().(Serializable)
	if !ok {
		panic(fmt.Sprintf("queue: %T does not implement Serializable, use RegisterAs", factory()))
	}
	r.RegisterAs(s.JobName(), factory)
}

// RegisterAs makes a job type available for decoding under an explicit tag.
func (r *Registry) RegisterAs(class string, factory func() Job) {
	r.rwLock.Lock()
	defer r.rwLock.Unlock()
	if _, ok := r.factories[class]; !ok {
		r.modules[moduleOf(class)]++
	}
	r.factories[class] = factory
}

// Marshal encodes the job as a structured payload.
func (r *Registry) Marshal(job Job) ([]byte, error) {
	payload, err := r.encode(job)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// Unmarshal decodes a structured payload. It fails with a *SerializationError
// when the module is not allowlisted, nothing is registered for the module,
// the tag is unknown, the registered type is not Serializable, or the
// document is malformed.
func (r *Registry) Unmarshal(data []byte) (Job, error) {
	var payload structuredPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, serializationErr("", errors.Wrap(ErrMalformedPayload, err.Error()))
	}
	return r.decode(&payload)
}

func (r *Registry) encode(job Job) (*structuredPayload, error) {
	meta := job.Meta()
	payload := &structuredPayload{
		Queue:      meta.Queue,
		Connection: meta.Connection,
		Delay:      meta.Delay.String(),
		Tries:      meta.Tries,
		Timeout:    meta.Timeout.String(),
		RetryAfter: meta.RetryAfter.String(),
		JobID:      meta.ID(),
	}

	switch j := job.(type) {
	case *chainJob:
		payload.Class = chainClass
		members, err := r.encodeMembers(j.Jobs)
		if err != nil {
			return nil, err
		}
		payload.Jobs = members
	case *batchJob:
		payload.Class = batchClass
		payload.BatchID = j.BatchID
		members, err := r.encodeMembers(j.Jobs)
		if err != nil {
			return nil, err
		}
		payload.Jobs = members
	case Serializable:
		payload.Class = j.JobName()
		data, err := json.Marshal(j)
		if err != nil {
			return nil, serializationErr(payload.Class, err)
		}
		payload.Data = data
	default:
		return nil, serializationErr(fmt.Sprintf("%T", job), ErrNotSerializable)
	}
	return payload, nil
}

func (r *Registry) encodeMembers(jobs []Job) ([]json.RawMessage, error) {
	members := make([]json.RawMessage, 0, len(jobs))
	for _, member := range jobs {
		data, err := r.Marshal(member)
		if err != nil {
			return nil, err
		}
		members = append(members, data)
	}
	return members, nil
}

func (r *Registry) decode(payload *structuredPayload) (Job, error) {
	var (
		job Job
		err error
	)
	switch payload.Class {
	case chainClass:
		chain := &chainJob{}
		chain.Jobs, err = r.decodeMembers(payload.Jobs)
		job = chain
	case batchClass:
		batch := &batchJob{BatchID: payload.BatchID}
		batch.Jobs, err = r.decodeMembers(payload.Jobs)
		job = batch
	default:
		job, err = r.instantiate(payload.Class)
		if err == nil && len(payload.Data) > 0 {
			if uerr := json.Unmarshal(payload.Data, job); uerr != nil {
				err = serializationErr(payload.Class, errors.Wrap(ErrMalformedPayload, uerr.Error()))
			}
		}
	}
	if err != nil {
		return nil, err
	}

	meta := job.Meta()
	meta.Queue = payload.Queue
	meta.Connection = payload.Connection
	meta.Tries = payload.Tries
	meta.JobID = payload.JobID
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{payload.Delay, &meta.Delay},
		{payload.Timeout, &meta.Timeout},
		{payload.RetryAfter, &meta.RetryAfter},
	} {
		if d.raw == "" {
			continue
		}
		if *d.dst, err = time.ParseDuration(d.raw); err != nil {
			return nil, serializationErr(payload.Class, errors.Wrap(ErrMalformedPayload, err.Error()))
		}
	}
	return job, nil
}

func (r *Registry) decodeMembers(raw []json.RawMessage) ([]Job, error) {
	jobs := make([]Job, 0, len(raw))
	for _, data := range raw {
		job, err := r.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *Registry) instantiate(class string) (Job, error) {
	module := moduleOf(class)

	r.rwLock.RLock()
	allowed := r.isAllowed(module)
	registered := r.modules[module] > 0
	factory, ok := r.factories[class]
	r.rwLock.RUnlock()

	if !allowed {
		return nil, serializationErr(class, ErrModuleNotAllowed)
	}
	if !registered {
		return nil, serializationErr(class, ErrUnknownModule)
	}
	if !ok {
		return nil, serializationErr(class, ErrUnknownJobType)
	}
	job := factory()
	if _, ok := job.(Serializable); !ok {
		return nil, serializationErr(class, ErrNotSerializable)
	}
	return job, nil
}

func (r *Registry) isAllowed(module string) bool {
	if module == "" {
		return false
	}
	for _, prefix := range r.allowed {
		if module == prefix || strings.HasPrefix(module, prefix+".") {
			return true
		}
	}
	return false
}

func moduleOf(class string) string {
	i := strings.LastIndex(class, ".")
	if i < 0 {
		return ""
	}
	return class[:i]
}
