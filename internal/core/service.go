package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRunTimeout bounds one import run.
	DefaultRunTimeout = 30 * time.Minute

	// DefaultResultRetention is how long a finished run stays queryable.
	DefaultResultRetention = 10 * time.Minute

	// historyLimit caps the events kept for replay per run.
	historyLimit = 1000

	// listenerBuffer is the live buffer of one subscriber.
	listenerBuffer = 64
)

// Datasets resolves a dataset handle to its records.
type Datasets interface {
	Records(ctx context.Context, datasetID string) ([]Record, error)
}

// ServiceConfig configures a Service. Zero values select defaults.
type ServiceConfig struct {
	RunTimeout      time.Duration
	ResultRetention time.Duration
	MaxConcurrent   int
	MaxWait         time.Duration

	// CancelOnDisconnect cancels a run when its last subscriber leaves
	// before the run finished.
	CancelOnDisconnect bool

	Logger *slog.Logger
}

// Service starts and tracks import and validation runs over dataset handles.
type Service struct {
	datasets   Datasets
	importer   *Importer
	reconciler *Reconciler
	limiter    *RunLimiter

	runTimeout         time.Duration
	retention          time.Duration
	cancelOnDisconnect bool
	logger             *slog.Logger

	mu   sync.RWMutex
	runs map[string]*activeRun
	busy map[string]string // dataset id -> run id
}

// activeRun is the in-memory state of one import run. It is the run's Sink.
type activeRun struct {
	ID        string
	DatasetID string
	StartedAt time.Time
	Cancel    context.CancelFunc
	Done      chan struct{}

	mu        sync.Mutex
	seq       int64
	history   []Event
	listeners []chan Event
	closed    bool
	stats     Stats
	phase     RunPhase
	result    *ImportResult
}

// NewService wires the run registry.
func NewService(datasets Datasets, importer *Importer, reconciler *Reconciler, cfg ServiceConfig) *Service {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = DefaultResultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		datasets:           datasets,
		importer:           importer,
		reconciler:         reconciler,
		limiter:            NewRunLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		runTimeout:         cfg.RunTimeout,
		retention:          cfg.ResultRetention,
		cancelOnDisconnect: cfg.CancelOnDisconnect,
		logger:             cfg.Logger,
		runs:               make(map[string]*activeRun),
		busy:               make(map[string]string),
	}
}

// StartImport begins an asynchronous import of a dataset and returns the run
// id immediately. Use SubscribeEvents to follow it and Result to await it.
func (s *Service) StartImport(ctx context.Context, datasetID string) (string, error) {
	records, err := s.datasets.Records(ctx, datasetID)
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()
	if err := s.reserve(datasetID, runID); err != nil {
		return "", err
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		s.unreserve(datasetID)
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	run := &activeRun{
		ID:        runID,
		DatasetID: datasetID,
		StartedAt: time.Now(),
		Cancel:    cancel,
		Done:      make(chan struct{}),
		phase:     PhaseRunning,
		stats:     Stats{Total: len(records)},
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	go s.processImport(runCtx, run, records)

	return runID, nil
}

func (s *Service) processImport(ctx context.Context, run *activeRun, records []Record) {
	logger := s.logger.With("run_id", run.ID, "dataset_id", run.DatasetID)

	defer func() {
		run.Cancel()
		s.limiter.Release()
		s.unreserve(run.DatasetID)
		run.closeListeners()
		close(run.Done)
		s.cleanup(run.ID, s.retention)
	}()

	logger.Info("import started", "records", len(records))

	result, err := s.importer.Run(ctx, records, run)
	if result == nil {
		result = &ImportResult{Phase: PhaseFailed}
	}
	result.RunID = run.ID
	result.DatasetID = run.DatasetID
	if err != nil {
		logger.Error("import failed", "error", err)
	}

	run.mu.Lock()
	run.result = result
	run.phase = result.Phase
	run.stats = result.Stats
	run.mu.Unlock()

	logger.Info("import finished",
		"phase", string(result.Phase),
		"success", result.Stats.Success,
		"failed", result.Stats.Failed,
		"created", result.Stats.Created,
		"duration", result.Duration,
	)
}

// Emit records an event in the replay history and fans it out without
// blocking. Slow listeners miss live events but can replay by sequence.
func (run *activeRun) Emit(e Event) {
	run.mu.Lock()
	defer run.mu.Unlock()

	run.seq++
	e.Seq = run.seq
	if e.Stats != nil {
		run.stats = *e.Stats
	}

	run.history = append(run.history, e)
	if len(run.history) > historyLimit {
		run.history = run.history[len(run.history)-historyLimit:]
	}

	for _, ch := range run.listeners {
		select {
		case ch <- e:
		default:
			// Listener is slow, skip this update
		}
	}
}

// closeListeners closes all listener channels.
func (run *activeRun) closeListeners() {
	run.mu.Lock()
	defer run.mu.Unlock()

	for _, ch := range run.listeners {
		close(ch)
	}
	run.listeners = nil
	run.closed = true
}

// SubscribeEvents returns a channel of the run's events with a sequence
// number above lastSeq, starting with the retained history. The channel is
// closed when the run ends or unsubscribe is called.
func (s *Service) SubscribeEvents(runID string, lastSeq int64) (<-chan Event, func(), error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, nil, err
	}

	run.mu.Lock()
	var replay []Event
	for _, e := range run.history {
		if e.Seq > lastSeq {
			replay = append(replay, e)
		}
	}
	ch := make(chan Event, len(replay)+listenerBuffer)
	for _, e := range replay {
		ch <- e
	}

	if run.closed {
		close(ch)
		run.mu.Unlock()
		return ch, func() {}, nil
	}
	run.listeners = append(run.listeners, ch)
	run.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { s.unsubscribe(run, ch) })
	}
	return ch, unsubscribe, nil
}

func (s *Service) unsubscribe(run *activeRun, ch chan Event) {
	run.mu.Lock()
	found := false
	for i, l := range run.listeners {
		if l == ch {
			run.listeners = append(run.listeners[:i], run.listeners[i+1:]...)
			close(ch)
			found = true
			break
		}
	}
	remaining := len(run.listeners)
	run.mu.Unlock()

	if !found || remaining > 0 || !s.cancelOnDisconnect {
		return
	}

	select {
	case <-run.Done:
	default:
		s.logger.Info("last subscriber left, cancelling run", "run_id", run.ID)
		run.Cancel()
	}
}

// Cancel stops an active run. The open commit window is rolled back.
func (s *Service) Cancel(runID string) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	run.Cancel()
	return nil
}

// Result waits for the run to finish and returns its result.
func (s *Service) Result(ctx context.Context, runID string) (*ImportResult, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	select {
	case <-run.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result, nil
}

// RunStatus is a snapshot of one tracked run.
type RunStatus struct {
	RunID     string    `json:"run_id"`
	DatasetID string    `json:"dataset_id"`
	Phase     RunPhase  `json:"phase"`
	Stats     Stats     `json:"stats"`
	StartedAt time.Time `json:"started_at"`
	LastSeq   int64     `json:"last_seq"`
}

// Run returns the current state of a run without blocking.
func (s *Service) Run(runID string) (RunStatus, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return RunStatus{}, err
	}
	return run.status(), nil
}

func (run *activeRun) status() RunStatus {
	run.mu.Lock()
	defer run.mu.Unlock()
	return RunStatus{
		RunID:     run.ID,
		DatasetID: run.DatasetID,
		Phase:     run.phase,
		Stats:     run.stats,
		StartedAt: run.StartedAt,
		LastSeq:   run.seq,
	}
}

// Validate diffs a dataset against the store and applies the difference when
// fix is set. It holds the dataset and a run slot for its duration.
func (s *Service) Validate(ctx context.Context, datasetID string, fix bool, opts ApplyOptions) (*ValidationResult, error) {
	records, err := s.datasets.Records(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	if err := s.reserve(datasetID, "validate"); err != nil {
		return nil, err
	}
	defer s.unreserve(datasetID)

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	logger := s.logger.With("dataset_id", datasetID)
	logger.Info("validation started", "records", len(records), "fix", fix, "dry_run", opts.DryRun)

	res, err := s.reconciler.Validate(ctx, records, fix, opts)
	if err != nil {
		logger.Error("validation failed", "error", err)
		return res, err
	}

	logger.Info("validation finished",
		"missing_in_db", res.Stats.MissingInDB,
		"missing_in_json", res.Stats.MissingInJSON,
		"unresolved_json", res.Stats.UnresolvedJSON,
	)
	return res, nil
}

// ServiceStatus is reported by the status endpoint.
type ServiceStatus struct {
	Limiter RunLimiterStatus `json:"limiter"`
	Runs    []RunStatus      `json:"runs"`
}

// Status returns the limiter state and every tracked run.
func (s *Service) Status() ServiceStatus {
	s.mu.RLock()
	runs := make([]*activeRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	st := ServiceStatus{Limiter: s.limiter.Status(), Runs: make([]RunStatus, 0, len(runs))}
	for _, run := range runs {
		st.Runs = append(st.Runs, run.status())
	}
	return st
}

// Shutdown cancels every active run and waits for them to release their slots.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, run := range s.runs {
		run.Cancel()
	}
	s.mu.RUnlock()

	return s.limiter.WaitForDrain(ctx)
}

func (s *Service) lookup(runID string) (*activeRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

func (s *Service) reserve(datasetID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.busy[datasetID]; busy {
		return ErrDatasetBusy
	}
	s.busy[datasetID] = owner
	return nil
}

func (s *Service) unreserve(datasetID string) {
	s.mu.Lock()
	delete(s.busy, datasetID)
	s.mu.Unlock()
}

// cleanup removes the run from tracking after a delay.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}
