package autoscaler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"fleetautoscaler/pkg/interfaces"
	"fleetautoscaler/pkg/logger"
	"fleetautoscaler/pkg/notification"
	"fleetautoscaler/pkg/store/mysql"
)

// persistedConfigKey is the Redis key the Manager uses to exchange its
// current Config across replicas and across restarts, so Enable/Disable
// and UpdateGlobalConfig calls against the current leader are picked up by
// whichever replica acquires the lock next, instead of only the one that
// served the API request.
const persistedConfigKey = "autoscaler:config"

// Manager owns the control loop: it acquires the distributed lock once per
// iteration, builds a Snapshot, evaluates every tier, executes the planner's
// decisions, persists the outcome, and pushes a status snapshot to anyone
// subscribed to BroadcastFunc.
type Manager struct {
	mu      sync.RWMutex
	cfg     *Config
	enabled bool
	running bool

	clock     Clock
	agentMgmt interfaces.AgentManagement
	scheduler interfaces.Scheduler
	jobOps    interfaces.JobOperations
	executor  ActionExecutor
	recently  RecentlyScaledFor
	lock      DistributedLock

	repo     *mysql.Repository // optional; nil disables history/state persistence
	notifier *notification.FeishuNotifier
	redis    *redis.Client // optional; nil disables cross-replica config exchange

	state map[Tier]*TierExecutionState

	lastRunAt  time.Time
	lastRunErr error

	// BroadcastFunc, if set, is called with the latest Status after every
	// iteration. The websocket stream handler sets this to fan the status
	// out to connected clients.
	BroadcastFunc func(Status)

	stopCh    chan struct{}
	triggerCh chan string // tier name, or "" for every tier
	wg        sync.WaitGroup
}

// NewManager builds a Manager. agentMgmt, scheduler, and jobOps are the
// collaborators the Snapshot is built from; executor is how decided actions
// are carried out (DirectExecutor, or an asynq-backed queue executor);
// repo, notifier, and redisClient may be nil, in which case persistence,
// alerting, and cross-replica config exchange are simply skipped.
func NewManager(cfg *Config, agentMgmt interfaces.AgentManagement, scheduler interfaces.Scheduler, jobOps interfaces.JobOperations, executor ActionExecutor, recently RecentlyScaledFor, lock DistributedLock, repo *mysql.Repository, notifier *notification.FeishuNotifier, redisClient *redis.Client) *Manager {
	return &Manager{
		cfg:       cfg,
		enabled:   cfg.Enabled,
		clock:     NewSystemClock(),
		agentMgmt: agentMgmt,
		scheduler: scheduler,
		jobOps:    jobOps,
		executor:  executor,
		recently:  recently,
		lock:      lock,
		repo:      repo,
		notifier:  notifier,
		redis:     redisClient,
		state:     make(map[Tier]*TierExecutionState),
		stopCh:    make(chan struct{}),
		triggerCh: make(chan string, 1),
	}
}

// Start loads any persisted config and per-tier state, waits out the
// activation delay (so the evaluator never races a just-started process's
// own collaborators), and then runs the control loop until Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("autoscaler: already running")
	}
	m.running = true
	m.mu.Unlock()

	if persisted, err := m.loadPersistedConfig(ctx); err != nil {
		logger.WarnCtx(ctx, "autoscaler: failed to load persisted config, using static config: %v", err)
	} else if persisted != nil {
		m.mu.Lock()
		m.cfg = persisted
		m.enabled = persisted.Enabled
		m.mu.Unlock()
	}

	m.loadPersistedTierState(ctx)

	m.wg.Add(1)
	go m.controlLoop(ctx)

	logger.InfoCtx(ctx, "autoscaler: started, activation delay %s, iteration interval %s", m.cfg.ActivationDelay, m.cfg.IterationInterval)
	return nil
}

// Stop signals the control loop to exit and waits for the in-flight
// iteration, if any, to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) controlLoop(ctx context.Context) {
	defer m.wg.Done()

	select {
	case <-time.After(m.cfg.ActivationDelay):
	case <-m.stopCh:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(m.cfg.IterationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case tier := <-m.triggerCh:
			m.safeRunOnce(ctx, tier)
		case <-ticker.C:
			m.safeRunOnce(ctx, "")
		}
	}
}

func (m *Manager) safeRunOnce(ctx context.Context, onlyTier string) {
	if !m.IsEnabled() {
		return
	}
	if err := m.runOnce(ctx, onlyTier); err != nil {
		logger.ErrorCtx(ctx, "autoscaler: iteration failed: %v", err)
	}
}

// runOnce is one full evaluation, wrapped in the distributed lock exactly
// like the teacher's own autoscaler wraps each tick: TryLock/deferred
// Unlock per call, not held continuously across many iterations.
func (m *Manager) runOnce(ctx context.Context, onlyTier string) error {
	acquired, err := m.lock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		logger.DebugCtx(ctx, "autoscaler: lock held by another replica, skipping iteration")
		return nil
	}
	defer func() {
		if err := m.lock.Unlock(ctx); err != nil {
			logger.WarnCtx(ctx, "autoscaler: failed to release lock: %v", err)
		}
	}()

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	evalCtx, cancel := context.WithTimeout(ctx, cfg.EvaluationTimeout)
	defer cancel()

	snap, err := BuildSnapshot(evalCtx, m.clock, m.agentMgmt, m.scheduler, m.jobOps)
	if err != nil {
		m.recordRunResult(snap, err)
		return fmt.Errorf("build snapshot: %w", err)
	}

	for _, tierName := range sortedTierNames(cfg.Tiers) {
		if onlyTier != "" && tierName != Tier(onlyTier) {
			continue
		}
		m.evaluateAndExecuteTier(evalCtx, snap, tierName, cfg.Tiers[tierName], cfg.IgnoredHardConstraints)
	}

	reaperActions := reapStaleRemovableMarkings(evalCtx, m.executor, snap, cfg.AgentInstanceRemovableTimeout, newActionID)
	for _, a := range reaperActions {
		m.recordAction(evalCtx, a)
	}

	m.recordRunResult(snap, nil)
	m.pushStatus()
	return nil
}

func (m *Manager) evaluateAndExecuteTier(ctx context.Context, snap *Snapshot, tier Tier, tierCfg TierConfig, ignoredHC []string) {
	state := m.tierState(tier)

	decision, err := evaluateTier(ctx, snap, tier, tierCfg, state, m.recently, m.agentMgmt, ignoredHC)
	if err != nil {
		logger.WarnCtx(ctx, "autoscaler: tier %s misconfigured, skipping: %v", tier, err)
		return
	}

	result, err := planAndExecute(ctx, m.executor, decision, snap.InstancesByGroup, snap.Now, newActionID)
	if err != nil {
		logger.WarnCtx(ctx, "autoscaler: tier %s plan execution failed: %v", tier, err)
		return
	}

	if result.ScaleUpIssued > 0 && decision.UsedScaleUpCooldown {
		state.LastScaleUpAt = snap.Now
	}
	if result.ScaleDownIssued > 0 && decision.UsedScaleDownCooldown {
		state.LastScaleDownAt = snap.Now
	}

	decision.Gauges.AgentsBeingScaledUp = result.ScaleUpIssued
	decision.Gauges.AgentsBeingScaledDown = result.ScaleDownIssued
	state.Gauges = decision.Gauges

	for _, a := range result.Actions {
		m.recordAction(ctx, a)
	}

	m.persistTierState(ctx, state)
}

func (m *Manager) tierState(tier Tier) *TierExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state[tier]
	if !ok {
		now := m.clock.Now()
		state = &TierExecutionState{
			Tier:            tier,
			ScaleUpBucket:   NewTokenBucket(50, 2, time.Second, now),
			ScaleDownBucket: NewTokenBucket(50, 2, time.Second, now),
		}
		m.state[tier] = state
	}
	return state
}

func (m *Manager) recordAction(ctx context.Context, action ScaleAction) {
	if m.repo != nil {
		row := &mysql.ScaleAction{
			ActionID:        action.ID,
			Tier:            string(action.Tier),
			Timestamp:       action.Timestamp,
			Kind:            action.Kind,
			InstanceGroupID: action.InstanceGroupID,
			InstanceID:      action.InstanceID,
			Delta:           action.Delta,
			Reason:          action.Reason,
		}
		if err := m.repo.ScaleAction.Create(ctx, row); err != nil {
			logger.WarnCtx(ctx, "autoscaler: failed to persist scale action: %v", err)
		}
	}

	if m.notifier != nil && (action.Kind == "blocked" || action.Kind == "reaper_reset") {
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.notifier.SendScaleActionNotification(notifyCtx, &notification.ScaleActionNotification{
				Tier:            string(action.Tier),
				Kind:            action.Kind,
				InstanceGroupID: action.InstanceGroupID,
				InstanceID:      action.InstanceID,
				Delta:           action.Delta,
				Reason:          action.Reason,
				Timestamp:       action.Timestamp,
			}); err != nil {
				logger.WarnCtx(notifyCtx, "autoscaler: feishu notification failed: %v", err)
			}
		}()
	}
}

func (m *Manager) persistTierState(ctx context.Context, state *TierExecutionState) {
	if m.repo == nil {
		return
	}
	gauges, err := json.Marshal(state.Gauges)
	if err != nil {
		return
	}
	var gaugeMap mysql.JSONMap
	_ = json.Unmarshal(gauges, &gaugeMap)

	row := &mysql.TierState{
		Tier:            string(state.Tier),
		LastScaleUpAt:   state.LastScaleUpAt,
		LastScaleDownAt: state.LastScaleDownAt,
		GaugesJSON:      gaugeMap,
	}
	if err := m.repo.TierState.Upsert(ctx, row); err != nil {
		logger.WarnCtx(ctx, "autoscaler: failed to persist tier state for %s: %v", state.Tier, err)
	}
}

func (m *Manager) loadPersistedTierState(ctx context.Context) {
	if m.repo == nil {
		return
	}
	rows, err := m.repo.TierState.ListAll(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "autoscaler: failed to load persisted tier state: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, row := range rows {
		m.state[Tier(row.Tier)] = &TierExecutionState{
			Tier:            Tier(row.Tier),
			LastScaleUpAt:   row.LastScaleUpAt,
			LastScaleDownAt: row.LastScaleDownAt,
			ScaleUpBucket:   NewTokenBucket(50, 2, time.Second, now),
			ScaleDownBucket: NewTokenBucket(50, 2, time.Second, now),
		}
	}
}

func (m *Manager) recordRunResult(snap *Snapshot, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap != nil {
		m.lastRunAt = snap.Now
	} else {
		m.lastRunAt = m.clock.Now()
	}
	m.lastRunErr = err
}

func (m *Manager) pushStatus() {
	if m.BroadcastFunc == nil {
		return
	}
	status, err := m.statusLocked()
	if err != nil {
		return
	}
	m.BroadcastFunc(*status)
}

// TriggerScale runs one evaluation out of band, outside the regular
// interval. An empty tier evaluates every configured tier; a non-empty tier
// restricts the iteration to just that one.
func (m *Manager) TriggerScale(ctx context.Context, tier string) error {
	select {
	case m.triggerCh <- tier:
		return nil
	default:
		return fmt.Errorf("autoscaler: a trigger is already pending")
	}
}

func (m *Manager) Enable(ctx context.Context) error {
	m.mu.Lock()
	m.enabled = true
	m.cfg.Enabled = true
	cfg := m.cfg
	m.mu.Unlock()
	return m.persistConfig(ctx, cfg)
}

func (m *Manager) Disable(ctx context.Context) error {
	m.mu.Lock()
	m.enabled = false
	m.cfg.Enabled = false
	cfg := m.cfg
	m.mu.Unlock()
	return m.persistConfig(ctx, cfg)
}

func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// GetGlobalConfig returns a copy of the current Config.
func (m *Manager) GetGlobalConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// UpdateGlobalConfig validates and swaps in a new Config, persisting it so
// other replicas pick it up next time they acquire the lock.
func (m *Manager) UpdateGlobalConfig(ctx context.Context, cfg *Config) error {
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("autoscaler: config must configure at least one tier")
	}
	if cfg.IterationInterval <= 0 {
		return fmt.Errorf("autoscaler: iteration interval must be positive")
	}
	for name, tc := range cfg.Tiers {
		if tc.PrimaryInstanceType == "" {
			return fmt.Errorf("autoscaler: tier %s has no primary instance type", name)
		}
		if tc.MinIdle > tc.MaxIdle {
			return fmt.Errorf("autoscaler: tier %s has min_idle > max_idle", name)
		}
	}

	m.mu.Lock()
	m.cfg = cfg
	m.enabled = cfg.Enabled
	m.mu.Unlock()

	return m.persistConfig(ctx, cfg)
}

func (m *Manager) persistConfig(ctx context.Context, cfg *Config) error {
	if m.redis == nil {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := m.redis.Set(ctx, persistedConfigKey, data, 0).Err(); err != nil {
		return fmt.Errorf("persist config to redis: %w", err)
	}
	return nil
}

func (m *Manager) loadPersistedConfig(ctx context.Context) (*Config, error) {
	if m.redis == nil {
		return nil, nil
	}
	data, err := m.redis.Get(ctx, persistedConfigKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config from redis: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal persisted config: %w", err)
	}
	return &cfg, nil
}

// GetStatus returns a snapshot of the Manager's current status.
func (m *Manager) GetStatus() (*Status, error) {
	return m.statusLocked()
}

func (m *Manager) statusLocked() (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	status := &Status{
		Enabled:   m.enabled,
		Running:   m.running,
		HoldsLock: m.lock.IsHeld(),
		LastRunAt: m.lastRunAt,
	}
	if m.lastRunErr != nil {
		status.LastRunErr = m.lastRunErr.Error()
	}

	for _, tierName := range sortedTierNames(m.cfg.Tiers) {
		state, ok := m.state[tierName]
		if !ok {
			status.Tiers = append(status.Tiers, TierStatus{Tier: tierName})
			continue
		}
		status.Tiers = append(status.Tiers, TierStatus{
			Tier:                     tierName,
			Gauges:                   state.Gauges,
			LastScaleUpAt:            state.LastScaleUpAt,
			LastScaleDownAt:          state.LastScaleDownAt,
			ScaleUpTokensAvailable:   state.ScaleUpBucket.Available(now),
			ScaleDownTokensAvailable: state.ScaleDownBucket.Available(now),
		})
	}
	return status, nil
}

// GetTierHistory returns the most recent scale actions for tier (or every
// tier, if empty), most recent first.
func (m *Manager) GetTierHistory(ctx context.Context, tier string, limit int) ([]ScaleAction, error) {
	if m.repo == nil {
		return nil, fmt.Errorf("autoscaler: no history store configured")
	}
	rows, err := m.repo.ScaleAction.ListByTier(ctx, tier, limit)
	if err != nil {
		return nil, err
	}
	actions := make([]ScaleAction, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, ScaleAction{
			ID:              row.ActionID,
			Tier:            Tier(row.Tier),
			Kind:            row.Kind,
			InstanceGroupID: row.InstanceGroupID,
			InstanceID:      row.InstanceID,
			Delta:           row.Delta,
			Reason:          row.Reason,
			Timestamp:       row.Timestamp,
		})
	}
	return actions, nil
}

func sortedTierNames(tiers map[Tier]TierConfig) []Tier {
	names := make([]Tier, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func newActionID() string {
	return uuid.New().String()
}
