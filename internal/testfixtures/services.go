package testfixtures

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/engine"
	"github.com/example/attendance-tracker/internal/ingest"
	"github.com/example/attendance-tracker/internal/matching"
	"github.com/example/attendance-tracker/internal/syncqueue"
)

// ServiceFactory assists tests with constructing the attendance pipeline using
// deterministic identifiers and clocks.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(ReferenceTime()),
		IDGenerator: NewIDGenerator("id"),
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(ReferenceTime())
	}
	if factory.IDGenerator == nil {
		factory.IDGenerator = NewIDGenerator("id")
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the factory.
func WithIDGenerator(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.IDGenerator = generator
	}
}

// Registrar is a SessionRegistrar that derives the external id from the subject.
type Registrar struct {
	mu    sync.Mutex
	calls int
	Err   error
}

func (r *Registrar) CreateSession(ctx context.Context, subjectID, meetingContext string) (application.RemoteSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return application.RemoteSession{}, r.Err
	}
	r.calls++
	return application.RemoteSession{ExternalID: subjectID + "-remote"}, nil
}

// Calls reports how many sessions were created.
func (r *Registrar) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// RecordingSender collects delivered items and fails while Err is set.
type RecordingSender struct {
	mu        sync.Mutex
	delivered []syncqueue.Item
	Err       error
}

func (s *RecordingSender) Send(ctx context.Context, item syncqueue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.delivered = append(s.delivered, item)
	return nil
}

// SetErr changes the failure returned by subsequent sends.
func (s *RecordingSender) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Delivered returns a copy of the delivered items in order.
func (s *RecordingSender) Delivered() []syncqueue.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]syncqueue.Item(nil), s.delivered...)
}

// AttendanceServiceDeps captures dependencies for constructing an attendance service.
type AttendanceServiceDeps struct {
	Repository application.AttendanceRepository
	Registrar  application.SessionRegistrar
	Publisher  application.FactPublisher
	Threshold  float64
	Logger     *slog.Logger
}

// NewAttendanceService builds an attendance service using the supplied
// dependencies combined with the factory defaults.
func (f *ServiceFactory) NewAttendanceService(deps AttendanceServiceDeps) *application.AttendanceService {
	registrar := deps.Registrar
	if registrar == nil {
		registrar = &Registrar{}
	}
	return application.NewAttendanceService(application.AttendanceServiceDeps{
		Repository:  deps.Repository,
		Registrar:   registrar,
		Publisher:   deps.Publisher,
		Matcher:     matching.NewMatcher(deps.Threshold),
		IDGenerator: f.IDGenerator.NextFunc(),
		Now:         f.Clock.NowFunc(),
		Logger:      deps.Logger,
	})
}

// NewQueue builds a sync queue over store using the factory clock.
func (f *ServiceFactory) NewQueue(store syncqueue.Store, sender syncqueue.Sender, cfg syncqueue.Config) *syncqueue.Queue {
	if store == nil {
		store = syncqueue.NewMemoryStore()
	}
	return syncqueue.New(store, sender, syncqueue.Options{
		Config:      cfg,
		Now:         f.Clock.NowFunc(),
		IDGenerator: f.IDGenerator.NextFunc(),
	})
}

// Pipeline bundles a fully wired engine for end-to-end tests.
type Pipeline struct {
	Engine    *engine.Engine
	Service   *application.AttendanceService
	Queue     *syncqueue.Queue
	Registrar *Registrar
	Sender    *RecordingSender
}

// NewPipeline wires service, queue and engine with in-memory collaborators.
// Batched signals wait for an explicit flush so tests stay deterministic.
func (f *ServiceFactory) NewPipeline(repo application.AttendanceRepository, store syncqueue.Store) *Pipeline {
	p := &Pipeline{Registrar: &Registrar{}, Sender: &RecordingSender{}}
	p.Queue = f.NewQueue(store, p.Sender, syncqueue.Config{})
	p.Service = f.NewAttendanceService(AttendanceServiceDeps{
		Repository: repo,
		Registrar:  p.Registrar,
		Publisher:  syncqueue.NewDispatcher(p.Queue, nil),
	})
	p.Engine = engine.New(p.Service, p.Queue, engine.Options{
		Dedup:      ingest.Options{BatchDelay: time.Hour, Now: f.Clock.NowFunc()},
		DrainGrace: time.Second,
	})
	return p
}
