package queue

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/pkg/errors"
)

// journal collects what the test jobs did. Payloads are decoded into fresh
// values, so the jobs cannot keep state in their own fields.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

var events = &journal{}

var errBoom = errors.New("boom")

type greetJob struct {
	JobMeta
	Name string `json:"name"`
}

func (g *greetJob) JobName() string { return "testjobs.Greet" }

func (g *greetJob) Handle(ctx context.Context) error {
	events.add("greet:%s", g.Name)
	return nil
}

type failingJob struct {
	JobMeta
	Name string `json:"name"`
}

func (f *failingJob) JobName() string { return "testjobs.Failing" }

func (f *failingJob) Handle(ctx context.Context) error {
	events.add("fail:%s:%d", f.Name, f.Attempts)
	return errBoom
}

func (f *failingJob) Failed(ctx context.Context, err error) {
	events.add("failed:%s", f.Name)
}

type flakyJob struct {
	JobMeta
	SucceedOn int `json:"succeed_on"`
}

func (f *flakyJob) JobName() string { return "testjobs.Flaky" }

func (f *flakyJob) Handle(ctx context.Context) error {
	events.add("flaky:%d", f.Attempts)
	if f.Attempts < f.SucceedOn {
		return errBoom
	}
	return nil
}

type sleepyJob struct {
	JobMeta
	Sleep time.Duration `json:"sleep"`
}

func (s *sleepyJob) JobName() string { return "testjobs.Sleepy" }

// Handle ignores ctx on purpose, like a job stuck in a blocking call.
func (s *sleepyJob) Handle(ctx context.Context) error {
	time.Sleep(s.Sleep)
	return nil
}

type panicJob struct {
	JobMeta
}

func (p *panicJob) JobName() string { return "testjobs.Panic" }

func (p *panicJob) Handle(ctx context.Context) error {
	panic("kaboom")
}

type hookedJob struct {
	JobMeta
	FailBefore bool `json:"fail_before"`
}

func (h *hookedJob) JobName() string { return "testjobs.sub.Hooked" }

func (h *hookedJob) Before(ctx context.Context) error {
	events.add("before")
	if h.FailBefore {
		return errBoom
	}
	return nil
}

func (h *hookedJob) Handle(ctx context.Context) error {
	events.add("handle")
	return nil
}

func (h *hookedJob) After(ctx context.Context) error {
	events.add("after")
	return nil
}

// plainJob is a job that cannot go through a Registry.
type plainJob struct {
	JobMeta
}

func (p *plainJob) Handle(ctx context.Context) error { return nil }

type notAJob struct {
	Value int
}

func init() {
	gob.Register(&greetJob{})
	gob.Register(&failingJob{})
	gob.Register(&flakyJob{})
	gob.Register(&sleepyJob{})
	gob.Register(&panicJob{})
	gob.Register(&hookedJob{})
	gob.Register(&notAJob{})
}

func testRegistry() *Registry {
	r := NewRegistry("testjobs")
	r.Register(func() Job { return &greetJob{} })
	r.Register(func() Job { return &failingJob{} })
	r.Register(func() Job { return &flakyJob{} })
	r.Register(func() Job { return &sleepyJob{} })
	r.Register(func() Job { return &panicJob{} })
	r.Register(func() Job { return &hookedJob{} })
	return r
}

// recordingGauge is a metrics.Gauge that remembers the last value per label set.
type recordingGauge struct {
	mu     *sync.Mutex
	values map[string]float64
	labels []string
}

func newRecordingGauge() *recordingGauge {
	return &recordingGauge{mu: &sync.Mutex{}, values: make(map[string]float64)}
}

func (g *recordingGauge) With(labelValues ...string) metrics.Gauge {
	return &recordingGauge{
		mu:     g.mu,
		values: g.values,
		labels: append(append([]string(nil), g.labels...), labelValues...),
	}
}

func (g *recordingGauge) Set(value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[fmt.Sprint(g.labels)] = value
}

func (g *recordingGauge) Add(delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[fmt.Sprint(g.labels)] += delta
}

func (g *recordingGauge) value(labelValues ...string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.values[fmt.Sprint(labelValues)]
	return v, ok
}

// recordingCounter is a metrics.Counter backed by a recordingGauge.
type recordingCounter struct {
	*recordingGauge
}

func (c recordingCounter) With(labelValues ...string) metrics.Counter {
	return recordingCounter{c.recordingGauge.With(labelValues...).(*recordingGauge)}
}
