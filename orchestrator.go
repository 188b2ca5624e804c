package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// SyncState is the orchestrator's externally visible state.
type SyncState int

const (
	SyncStateIdle SyncState = iota
	SyncStateSyncing
	SyncStateSuccess
	SyncStateFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncStateSyncing:
		return "syncing"
	case SyncStateSuccess:
		return "success"
	case SyncStateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// SyncTrigger identifies what started a pass.
type SyncTrigger int

const (
	TriggerManual SyncTrigger = iota
	TriggerScheduled
	TriggerConnectivity
	TriggerEnqueue
)

func (t SyncTrigger) String() string {
	switch t {
	case TriggerScheduled:
		return "scheduled"
	case TriggerConnectivity:
		return "connectivity"
	case TriggerEnqueue:
		return "enqueue"
	default:
		return "manual"
	}
}

// SyncResult is the outcome of one sync pass. A failed pass still lists its
// individual successes; callers must not read "failed" as "nothing synced".
type SyncResult struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors,omitempty"`
	Trigger   string        `json:"trigger"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// StatusChange is delivered to status subscribers on every state transition.
type StatusChange struct {
	State  SyncState   `json:"state"`
	Reason string      `json:"reason,omitempty"`
	Result *SyncResult `json:"result,omitempty"`
	At     time.Time   `json:"at"`
}

// ReconcileSpec names a well-known record reconciled bidirectionally after
// every queue drain.
type ReconcileSpec struct {
	// Collection holding the record.
	Collection string `json:"collection" yaml:"collection"`
	// RecordID of the record; ignored when PerUser is set.
	RecordID string `json:"record_id" yaml:"record_id"`
	// PerUser keys the record by the current user id.
	PerUser bool `json:"per_user" yaml:"per_user"`
	// Policy used when both sides changed since the last sync.
	Policy ConflictPolicy `json:"policy" yaml:"policy"`
}

// LocalRecords is the application-side view of records the orchestrator
// reconciles. The engine never interprets record fields beyond UpdatedAt.
type LocalRecords interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Put(ctx context.Context, collection string, doc *Document) error
}

// OrchestratorConfig configures sync scheduling and failure handling.
type OrchestratorConfig struct {
	// PeriodicInterval between scheduled passes. Default: 6h.
	PeriodicInterval time.Duration `json:"periodic_interval" yaml:"periodic_interval"`

	// FailureBackoffMin is the backoff after the first failed pass.
	// Default: 15m.
	FailureBackoffMin time.Duration `json:"failure_backoff_min" yaml:"failure_backoff_min"`

	// FailureBackoffMax caps the failure backoff. Default: 30m.
	FailureBackoffMax time.Duration `json:"failure_backoff_max" yaml:"failure_backoff_max"`

	// BreakerFailures trips the circuit breaker. Default: 5.
	BreakerFailures int `json:"breaker_failures" yaml:"breaker_failures"`

	// BreakerReset is the open-circuit cool-down. Default: 60s.
	BreakerReset time.Duration `json:"breaker_reset" yaml:"breaker_reset"`

	// Reconcile lists the well-known records checked after each drain.
	Reconcile []ReconcileSpec `json:"reconcile" yaml:"reconcile"`
}

// DefaultOrchestratorConfig returns default scheduling configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PeriodicInterval:  6 * time.Hour,
		FailureBackoffMin: 15 * time.Minute,
		FailureBackoffMax: 30 * time.Minute,
		BreakerFailures:   5,
		BreakerReset:      60 * time.Second,
	}
}

const lastSyncStateKey = "last_sync_time"

// Orchestrator coordinates sync passes: it drains the offline queue against
// the remote store, reconciles well-known records through the conflict
// resolver, and reports aggregate results. Exactly one pass runs at a time;
// triggers arriving mid-pass are no-ops.
type Orchestrator struct {
	config   OrchestratorConfig
	queue    *ActionQueue
	store    *SQLiteStore
	remote   RemoteStore
	identity IdentityProvider
	monitor  *NetworkMonitor
	resolver *ConflictResolver
	local    LocalRecords
	cache    *CacheManager
	logger   *slog.Logger

	cb *CircuitBreaker

	// batteryOK gates scheduled passes; nil means always allowed.
	batteryOK func() bool

	mu          sync.RWMutex
	state       SyncState
	inFlight    bool
	lastResult  *SyncResult
	failedRuns  int
	subs        map[uint64]chan StatusChange
	nextSub     uint64
	running     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. local and cache may be nil; the
// reconciliation and cache sweeps are skipped when absent.
func NewOrchestrator(config OrchestratorConfig, queue *ActionQueue, store *SQLiteStore, remote RemoteStore, identity IdentityProvider, monitor *NetworkMonitor, resolver *ConflictResolver, local LocalRecords, cache *CacheManager, logger *slog.Logger) *Orchestrator {
	if config.PeriodicInterval <= 0 {
		config.PeriodicInterval = 6 * time.Hour
	}
	if config.FailureBackoffMin <= 0 {
		config.FailureBackoffMin = 15 * time.Minute
	}
	if config.FailureBackoffMax <= 0 {
		config.FailureBackoffMax = 30 * time.Minute
	}
	if config.BreakerFailures <= 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = NewConflictResolver(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:   config,
		queue:    queue,
		store:    store,
		remote:   remote,
		identity: identity,
		monitor:  monitor,
		resolver: resolver,
		local:    local,
		cache:    cache,
		logger:   logger,
		cb:       NewCircuitBreaker(config.BreakerFailures, config.BreakerReset),
		state:    SyncStateIdle,
		subs:     make(map[uint64]chan StatusChange),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetBatteryCheck installs an optional battery gate for scheduled passes.
func (o *Orchestrator) SetBatteryCheck(ok func() bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batteryOK = ok
}

// Start launches the background scheduler: a periodic pass with failure
// backoff, an immediate pass on enqueue while online, and a pass on
// offline-to-online transitions with a non-empty queue.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.scheduleLoop()
}

// Stop shuts the scheduler down and waits for any in-flight pass.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) scheduleLoop() {
	defer o.wg.Done()

	qualityChanges, unsubscribe := o.monitor.Subscribe()
	defer unsubscribe()

	wasOnline := o.monitor.Online()
	timer := time.NewTimer(o.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return

		case <-timer.C:
			if o.schedulingAllowed(TriggerScheduled) {
				o.runPass(TriggerScheduled)
			}
			timer.Reset(o.nextInterval())

		case <-o.queue.Notify():
			if o.schedulingAllowed(TriggerEnqueue) {
				o.runPass(TriggerEnqueue)
			}

		case change, ok := <-qualityChanges:
			if !ok {
				return
			}
			online := change.Metrics.Connected
			if online && !wasOnline {
				if pending, err := o.queue.PendingCount(o.ctx); err == nil && pending > 0 &&
					o.schedulingAllowed(TriggerConnectivity) {
					o.runPass(TriggerConnectivity)
				}
			}
			wasOnline = online
		}
	}
}

// nextInterval applies exponential failure backoff to the periodic cadence.
func (o *Orchestrator) nextInterval() time.Duration {
	o.mu.RLock()
	failures := o.failedRuns
	o.mu.RUnlock()

	if failures > 0 {
		return computeBackoff(failures, o.config.FailureBackoffMin, o.config.FailureBackoffMax, 2.0)
	}
	interval := o.monitor.Optimization().SyncInterval
	if interval <= 0 {
		interval = o.config.PeriodicInterval
	}
	return interval
}

// schedulingAllowed gates automatic triggers on connectivity, sync strategy,
// and battery. Manual triggers bypass the strategy gate.
func (o *Orchestrator) schedulingAllowed(trigger SyncTrigger) bool {
	if !o.monitor.Online() {
		return false
	}

	o.mu.RLock()
	battery := o.batteryOK
	o.mu.RUnlock()
	if battery != nil && !battery() {
		return false
	}

	if trigger == TriggerManual {
		return true
	}

	opt := o.monitor.Optimization()
	switch opt.SyncStrategy {
	case SyncManual:
		return false
	case SyncWifiOnly:
		m := o.monitor.Metrics()
		return m.Transport == TransportWifi && !m.Metered
	case SyncBackground:
		// Enqueue nudges wait for the scheduled pass on constrained links.
		return trigger != TriggerEnqueue
	default:
		return true
	}
}

// TriggerSync starts a pass immediately. Returns ErrSyncInProgress when one
// is already running and ErrOffline when disconnected. A failed pass returns
// its partial result alongside the error.
func (o *Orchestrator) TriggerSync(ctx context.Context) (*SyncResult, error) {
	if !o.monitor.Online() {
		return nil, ErrOffline
	}
	return o.pass(ctx, TriggerManual)
}

// runPass is the scheduler entry point; pass logs its own outcome and
// overlapping triggers are no-ops.
func (o *Orchestrator) runPass(trigger SyncTrigger) {
	_, _ = o.pass(o.ctx, trigger)
}

// pass executes one full sync pass. Returns ErrSyncInProgress when another
// pass was already in flight; a failed pass returns its partial result
// alongside the error so callers still see what did sync.
func (o *Orchestrator) pass(ctx context.Context, trigger SyncTrigger) (*SyncResult, error) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.inFlight = true
	o.setStateLocked(SyncStateSyncing, "", nil)
	o.mu.Unlock()

	start := time.Now()
	result := &SyncResult{Trigger: trigger.String(), Timestamp: start}

	err := o.executePass(ctx, result)
	result.Duration = time.Since(start)

	o.mu.Lock()
	o.inFlight = false
	o.lastResult = result
	if err != nil {
		o.failedRuns++
		o.setStateLocked(SyncStateFailed, err.Error(), result)
	} else {
		o.failedRuns = 0
		o.setStateLocked(SyncStateSuccess, "", result)
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("sync pass failed",
			"trigger", trigger.String(),
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"err", err)
	} else {
		o.logger.Info("sync pass complete",
			"trigger", trigger.String(),
			"total", result.Total,
			"succeeded", result.Succeeded,
			"duration", result.Duration)
	}
	return result, err
}

// executePass drains the queue and reconciles well-known records. Per-action
// failures are isolated; only pass-level failures return an error directly.
func (o *Orchestrator) executePass(ctx context.Context, result *SyncResult) error {
	userID, err := o.identity.CurrentUserID(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return fmt.Errorf("%w: %v", ErrAuthenticationRequired, err)
	}
	if userID == "" {
		result.Errors = append(result.Errors, "unauthenticated")
		return fmt.Errorf("%w: no signed-in user", ErrAuthenticationRequired)
	}

	actions, err := o.queue.Drain(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return fmt.Errorf("drain queue: %w", err)
	}
	result.Total = len(actions)

	var firstErr error
	timeout := o.monitor.Optimization().RequestTimeout

	// Strictly sequential: per-record mutation order must survive replay.
	for _, action := range actions {
		if ctx.Err() != nil {
			firstErr = ctx.Err()
			break
		}

		applyErr := o.cb.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return o.applyAction(callCtx, action)
		})

		if applyErr == nil {
			if err := o.queue.MarkSynced(ctx, action.ID); err != nil {
				o.logger.Error("mark synced failed", "id", action.ID, "err", err)
			}
			result.Succeeded++
			continue
		}

		result.Failed++
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s %s/%s: %v", action.Operation, action.Collection, action.RecordID, applyErr))
		if firstErr == nil {
			firstErr = applyErr
		}

		updated, retryErr := o.queue.IncrementRetry(ctx, action.ID, applyErr)
		if retryErr != nil {
			o.logger.Error("increment retry failed", "id", action.ID, "err", retryErr)
			continue
		}
		if updated.Status == StatusFailed {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s/%s: %v", action.Collection, action.RecordID, ErrMaxRetriesExceeded))
		}
	}

	if err := o.reconcile(ctx, userID, result); err != nil && firstErr == nil {
		firstErr = err
	}

	if _, err := o.queue.Sweep(ctx); err != nil {
		o.logger.Warn("queue sweep failed", "err", err)
	}
	if o.cache != nil {
		if _, err := o.cache.SweepExpired(ctx); err != nil {
			o.logger.Warn("cache sweep failed", "err", err)
		}
	}

	if err := o.store.SetState(ctx, lastSyncStateKey,
		strconv.FormatInt(time.Now().UnixNano(), 10)); err != nil {
		o.logger.Warn("persist last sync time failed", "err", err)
	}

	return firstErr
}

// applyAction replays one queued mutation against the remote store.
func (o *Orchestrator) applyAction(ctx context.Context, action *OfflineAction) error {
	switch action.Operation {
	case OpCreate:
		return o.remote.Set(ctx, action.Collection, action.RecordID, action.Payload)
	case OpUpdate:
		return o.remote.Update(ctx, action.Collection, action.RecordID, action.Payload)
	case OpDelete:
		return o.remote.Delete(ctx, action.Collection, action.RecordID)
	default:
		return fmt.Errorf("unknown operation %d", action.Operation)
	}
}

// reconcile performs the bidirectional check of well-known records.
func (o *Orchestrator) reconcile(ctx context.Context, userID string, result *SyncResult) error {
	if o.local == nil || len(o.config.Reconcile) == 0 {
		return nil
	}

	lastSync := o.lastSyncTime(ctx)
	var firstErr error

	for _, spec := range o.config.Reconcile {
		recordID := spec.RecordID
		if spec.PerUser {
			recordID = userID
		}
		if err := o.reconcileRecord(ctx, spec, recordID, lastSync, result); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("reconcile %s/%s: %v", spec.Collection, recordID, err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) reconcileRecord(ctx context.Context, spec ReconcileSpec, recordID string, lastSync time.Time, result *SyncResult) error {
	timeout := o.monitor.Optimization().RequestTimeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	local, err := o.local.Get(ctx, spec.Collection, recordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	remote, err := o.remote.Get(callCtx, spec.Collection, recordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	switch {
	case local == nil && remote == nil:
		return nil

	case local == nil:
		return o.local.Put(ctx, spec.Collection, remote)

	case remote == nil:
		return o.remote.Set(callCtx, spec.Collection, recordID, local.Fields)
	}

	localChanged := local.UpdatedAt.After(lastSync)
	remoteChanged := remote.UpdatedAt.After(lastSync)

	switch {
	case localChanged && remoteChanged:
		var resolution ConflictResolution
		if spec.Policy == ConflictFieldMerge {
			resolution = o.resolver.ResolveFieldMerge(local.Fields, remote.Fields)
		} else {
			resolution = o.resolver.ResolveLastWriteWins(local.UpdatedAt, remote.UpdatedAt, local.Fields, remote.Fields)
		}
		result.Conflicts++

		doc := &Document{ID: recordID, Fields: resolution.Resolved, UpdatedAt: time.Now()}
		if err := o.local.Put(ctx, spec.Collection, doc); err != nil {
			return err
		}
		return o.remote.Set(callCtx, spec.Collection, recordID, resolution.Resolved)

	case remoteChanged:
		return o.local.Put(ctx, spec.Collection, remote)

	case localChanged:
		return o.remote.Set(callCtx, spec.Collection, recordID, local.Fields)

	default:
		return nil
	}
}

func (o *Orchestrator) lastSyncTime(ctx context.Context) time.Time {
	raw, err := o.store.GetState(ctx, lastSyncStateKey)
	if err != nil || raw == "" {
		return time.Time{}
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// setStateLocked transitions the state machine and fans the change out to
// subscribers. Callers hold o.mu.
func (o *Orchestrator) setStateLocked(state SyncState, reason string, result *SyncResult) {
	o.state = state
	change := StatusChange{State: state, Reason: reason, Result: result, At: time.Now()}
	for _, ch := range o.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// State returns the current orchestrator state.
func (o *Orchestrator) State() SyncState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.inFlight {
		return SyncStateSyncing
	}
	return o.state
}

// LastResult returns the most recent pass result, or nil before the first
// pass.
func (o *Orchestrator) LastResult() *SyncResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastResult
}

// LastSyncTime returns the persisted completion time of the last pass.
func (o *Orchestrator) LastSyncTime(ctx context.Context) time.Time {
	return o.lastSyncTime(ctx)
}

// Subscribe registers for status change notifications.
func (o *Orchestrator) Subscribe() (<-chan StatusChange, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextSub++
	id := o.nextSub
	ch := make(chan StatusChange, 16)
	o.subs[id] = ch

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
