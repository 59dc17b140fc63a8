// Package jobs runs MOC builds asynchronously on a bounded worker pool and
// keeps their status, results and history.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/mocgen/internal/builder"
	"github.com/mohammed-shakir/mocgen/internal/buildevents"
	"github.com/mohammed-shakir/mocgen/internal/buildlog"
	"github.com/mohammed-shakir/mocgen/internal/cache/mocstore"
	"github.com/mohammed-shakir/mocgen/internal/core/observability"
	"github.com/mohammed-shakir/mocgen/internal/logger"
	"github.com/mohammed-shakir/mocgen/internal/moc"
)

var (
	ErrUnknownBuild = errors.New("unknown build")
	ErrQueueFull    = errors.New("build queue full")
	ErrStopped      = errors.New("job manager stopped")
	ErrNotFinished  = builder.ErrNotFinished
)

// ResultStore persists successful MOCs beyond the in-memory history.
type ResultStore interface {
	Put(ctx context.Context, id string, set *moc.Set) error
	Get(ctx context.Context, id string) (*moc.Set, error)
}

type HistoryRecorder interface {
	Record(ctx context.Context, e buildlog.Entry) error
}

type Options struct {
	Workers     int
	Queue       int
	HistorySize int
	// DefaultOrder applies to requests with neither order nor resolution.
	DefaultOrder     int
	MinOrder         int
	MaxScratchPixels uint64
	// StoreTimeout bounds result persistence, event and history writes.
	StoreTimeout time.Duration

	Maps    MapSource
	Results ResultStore
	Events  buildevents.Sink
	History HistoryRecorder
	Log     *slog.Logger
}

// Status is a point-in-time view of one job.
type Status struct {
	ID        string     `json:"id"`
	RequestID string     `json:"request_id,omitempty"`
	State     string     `json:"state"`
	Percent   float64    `json:"percent"`
	Outcome   string     `json:"outcome,omitempty"`
	Error     string     `json:"error,omitempty"`
	Order     int        `json:"order"`
	Cells     int        `json:"cells"`
	Planes    int        `json:"planes"`
	Stored    bool       `json:"stored"`
	Created   time.Time  `json:"created"`
	Finished  *time.Time `json:"finished,omitempty"`
}

type job struct {
	id          string
	requestID   string
	fingerprint string
	kinds       []string
	created     time.Time
	b           *builder.Builder

	// retired is closed once results, events and history are written.
	retired chan struct{}

	mu       sync.Mutex
	started  time.Time
	finished time.Time
	stored   bool
}

func (j *job) status() Status {
	st := Status{
		ID:        j.id,
		RequestID: j.requestID,
		State:     j.b.State().String(),
		Percent:   j.b.Progress(),
		Order:     j.b.Order(),
		Planes:    len(j.kinds),
		Created:   j.created,
	}
	j.mu.Lock()
	st.Stored = j.stored
	if !j.finished.IsZero() {
		f := j.finished
		st.Finished = &f
	}
	j.mu.Unlock()

	if j.b.State().Terminal() {
		err := j.b.Err()
		st.Outcome = builder.Outcome(err)
		st.Error = j.b.ErrorMessage()
		if res, rerr := j.b.Result(); rerr == nil {
			st.Cells = res.Cells
		}
	}
	return st
}

type Manager struct {
	opts Options
	log  *slog.Logger

	queue    chan *job
	mu       sync.Mutex
	active   map[string]*job
	inflight map[string]string
	history  *lru.Cache[string, *job]
	closed   bool

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Queue <= 0 {
		opts.Queue = 32
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 256
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	h, err := lru.New[string, *job](opts.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("jobs history: %w", err)
	}
	return &Manager{
		opts:     opts,
		log:      opts.Log,
		queue:    make(chan *job, opts.Queue),
		active:   map[string]*job{},
		inflight: map[string]string{},
		history:  h,
	}, nil
}

// Start launches the workers. Builds run under ctx; cancelling it interrupts them.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(ctx)
		for range m.opts.Workers {
			m.wg.Add(1)
			go m.worker()
		}
		m.log.Info("job manager started", "workers", m.opts.Workers, "queue", m.opts.Queue)
	})
}

// Stop rejects new submissions, interrupts running and queued builds and
// waits for the workers to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info("job manager stopped")
}

// Submit validates req and queues it. A request identical to one that is
// still queued or running returns the existing job id with deduped set.
func (m *Manager) Submit(ctx context.Context, req BuildRequest) (id string, deduped bool, err error) {
	fp := req.Fingerprint()
	if id, ok := m.inflightID(fp); ok {
		return id, true, nil
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", false, ErrStopped
	}

	planes, err := req.SourcePlanes(ctx, m.opts.Maps)
	if err != nil {
		return "", false, err
	}

	id = logger.NewID()
	bopts := builder.Options{
		Order:            req.Order,
		Resolution:       req.Resolution,
		MinOrder:         m.opts.MinOrder,
		Frame:            req.Frame,
		MaxScratchPixels: m.opts.MaxScratchPixels,
		Log:              m.log.With("build_id", id),
	}
	if bopts.Order == nil && bopts.Resolution <= 0 && m.opts.DefaultOrder > 0 {
		bopts.Order = builder.TargetOrder(m.opts.DefaultOrder)
	}
	b, err := builder.New(planes, bopts)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	j := &job{
		id:          id,
		requestID:   logger.RequestID(ctx),
		fingerprint: fp,
		created:     time.Now().UTC(),
		b:           b,
		retired:     make(chan struct{}),
	}
	for _, p := range planes {
		j.kinds = append(j.kinds, p.Kind.String())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrStopped
	}
	if prev, ok := m.inflight[fp]; ok {
		return prev, true, nil
	}
	select {
	case m.queue <- j:
	default:
		return "", false, ErrQueueFull
	}
	m.active[id] = j
	m.inflight[fp] = id
	m.log.Info("build queued", "build_id", id, "request_id", j.requestID, "planes", len(planes), "order", b.Order())
	return id, false, nil
}

func (m *Manager) inflightID(fp string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.inflight[fp]
	return id, ok
}

func (m *Manager) lookup(id string) (*job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.active[id]; ok {
		return j, true
	}
	return m.history.Get(id)
}

func (m *Manager) Get(id string) (Status, error) {
	j, ok := m.lookup(id)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownBuild, id)
	}
	return j.status(), nil
}

// Cancel requests an interrupt. Finished jobs are left untouched.
func (m *Manager) Cancel(id string) (Status, error) {
	j, ok := m.lookup(id)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownBuild, id)
	}
	if !j.b.State().Terminal() {
		j.b.RequestInterrupt()
		m.log.Info("build interrupt requested", "build_id", id)
	}
	return j.status(), nil
}

// Wait blocks until the job has been retired or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	j, ok := m.lookup(id)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownBuild, id)
	}
	select {
	case <-j.retired:
		return j.status(), nil
	case <-ctx.Done():
		return j.status(), ctx.Err()
	}
}

// Result returns the MOC of a succeeded build. Jobs no longer held in memory
// are read back from the result store.
func (m *Manager) Result(ctx context.Context, id string) (*moc.Set, Status, error) {
	if j, ok := m.lookup(id); ok {
		st := j.status()
		switch j.b.State() {
		case builder.Succeeded:
			res, err := j.b.Result()
			if err != nil {
				return nil, st, err
			}
			return res.MOC, st, nil
		case builder.Failed:
			return nil, st, j.b.Err()
		default:
			return nil, st, ErrNotFinished
		}
	}
	if m.opts.Results != nil {
		set, err := m.opts.Results.Get(ctx, id)
		switch {
		case err == nil:
			return set, Status{
				ID:      id,
				State:   builder.Succeeded.String(),
				Percent: 100,
				Outcome: builder.Outcome(nil),
				Order:   set.MaxOrder(),
				Cells:   set.Size(),
				Stored:  true,
			}, nil
		case !errors.Is(err, mocstore.ErrNotFound):
			return nil, Status{}, err
		}
	}
	return nil, Status{}, fmt.Errorf("%w: %s", ErrUnknownBuild, id)
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for j := range m.queue {
		m.run(j)
	}
}

func (m *Manager) run(j *job) {
	observability.IncJobsInflight()
	defer observability.DecJobsInflight()

	j.mu.Lock()
	j.started = time.Now().UTC()
	j.mu.Unlock()

	ctx := logger.WithBuildID(m.ctx, j.id)
	if j.requestID != "" {
		ctx = logger.WithRequestID(ctx, j.requestID)
	}
	if err := j.b.Start(ctx); err != nil {
		m.log.Error("build start failed", "build_id", j.id, "err", err)
	}
	err := j.b.Wait()

	stored := false
	cells := 0
	if err == nil {
		res, rerr := j.b.Result()
		if rerr == nil {
			cells = res.Cells
			stored = m.persist(j.id, res.MOC)
		}
	}

	j.mu.Lock()
	j.finished = time.Now().UTC()
	j.stored = stored
	j.mu.Unlock()

	m.report(j, err, cells)
	m.retire(j)
	close(j.retired)
}

func (m *Manager) persist(id string, set *moc.Set) bool {
	if m.opts.Results == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StoreTimeout)
	defer cancel()
	if err := m.opts.Results.Put(ctx, id, set); err != nil {
		m.log.Warn("moc result not persisted", "build_id", id, "err", err)
		return false
	}
	return true
}

func (m *Manager) report(j *job, err error, cells int) {
	outcome := builder.Outcome(err)
	j.mu.Lock()
	started, finished := j.started, j.finished
	j.mu.Unlock()

	if m.opts.Events != nil {
		m.opts.Events.Publish(buildevents.Event{
			ID:        j.id,
			RequestID: j.requestID,
			State:     j.b.State().String(),
			Outcome:   outcome,
			Error:     j.b.ErrorMessage(),
			Cells:     cells,
			Order:     j.b.Order(),
			Planes:    len(j.kinds),
			TS:        finished,
		})
	}
	if m.opts.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.StoreTimeout)
		defer cancel()
		if herr := m.opts.History.Record(ctx, buildlog.Entry{
			ID:          j.id,
			RequestID:   j.requestID,
			Fingerprint: j.fingerprint,
			Outcome:     outcome,
			Error:       j.b.ErrorMessage(),
			Order:       j.b.Order(),
			Cells:       cells,
			Kinds:       j.kinds,
			Started:     started,
			Finished:    finished,
		}); herr != nil {
			m.log.Warn("build history not recorded", "build_id", j.id, "err", herr)
		}
	}
}

func (m *Manager) retire(j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, j.id)
	if m.inflight[j.fingerprint] == j.id {
		delete(m.inflight, j.fingerprint)
	}
	m.history.Add(j.id, j)
}
