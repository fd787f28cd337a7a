package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/queue"
	"github.com/nomarr/nomarr/storage"
)

// Config tunes the broker.
type Config struct {
	// TickMS is the poll interval. Default 500ms.
	TickMS int64
	// HeartbeatStaleMS bounds how old the app heartbeat may be before
	// the system is reported down.
	HeartbeatStaleMS int64
}

func (c *Config) defaults() {
	if c.TickMS <= 0 {
		c.TickMS = 500
	}
	if c.HeartbeatStaleMS <= 0 {
		c.HeartbeatStaleMS = 30000
	}
}

// Broker polls the shared tables and fans out change events.
type Broker struct {
	cfg    Config
	queue  *queue.Queue
	health *ipc.HealthStore
	kv     *ipc.KVStore
	log    *zap.SugaredLogger

	mu   sync.Mutex
	subs map[uuid.UUID]*Subscription

	prev       *snapshot
	lastTickMS int64

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// snapshot is one tick's view of the observable state.
type snapshot struct {
	appAlive       bool
	appHeartbeatMS int64
	workers        map[string]WorkerStatus
	stats          queue.Stats
}

// New creates a broker over db.
func New(db *storage.DB, cfg Config, log *zap.SugaredLogger) *Broker {
	cfg.defaults()
	return &Broker{
		cfg:    cfg,
		queue:  queue.New(db, log),
		health: ipc.NewHealthStore(db),
		kv:     ipc.NewKVStore(db),
		log:    log.Named("broker"),
		subs:   make(map[uuid.UUID]*Subscription),
		stop:   make(chan struct{}),
	}
}

// Start seeds the baseline snapshot and begins the poll loop. Changes
// landing after Start returns are visible to the first tick.
func (b *Broker) Start() {
	b.lastTickMS = storage.NowMS()
	snap, err := b.collect(b.lastTickMS)
	if err != nil {
		// The first tick becomes the baseline instead.
		b.log.Warnw("Broker baseline snapshot failed", "error", err)
	} else {
		b.prev = snap
	}
	b.wg.Add(1)
	go b.pollLoop()
	b.log.Infow("Broker started", "tick_ms", b.cfg.TickMS)
}

// Stop halts polling and closes every subscription.
func (b *Broker) Stop() {
	b.once.Do(func() {
		close(b.stop)
		b.wg.Wait()

		b.mu.Lock()
		for id, sub := range b.subs {
			sub.close()
			delete(b.subs, id)
		}
		b.mu.Unlock()
		b.log.Infow("Broker stopped")
	})
}

// Subscribe registers a reader for the given topic patterns with the
// default buffer.
func (b *Broker) Subscribe(patterns ...string) *Subscription {
	return b.SubscribeBuffered(0, patterns...)
}

// SubscribeBuffered is Subscribe with an explicit per-subscriber buffer
// capacity. Zero or negative means the default.
func (b *Broker) SubscribeBuffered(capacity int, patterns ...string) *Subscription {
	sub := newSubscription(patterns, capacity)
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	b.log.Debugw("Subscriber added", "id", sub.id, "patterns", patterns, "capacity", sub.capacity)
	return sub
}

// Unsubscribe removes and closes a subscription. Unknown or already
// removed ids are a no-op.
func (b *Broker) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
		b.log.Debugw("Subscriber removed", "id", id)
	}
}

func (b *Broker) pollLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.cfg.TickMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.tick(); err != nil {
				b.log.Warnw("Broker tick failed", "error", err)
			}
		}
	}
}

// Tick runs one poll pass immediately. Tests drive the broker through
// this instead of waiting on the ticker.
func (b *Broker) Tick() error {
	return b.tick()
}

func (b *Broker) tick() error {
	now := storage.NowMS()
	snap, err := b.collect(now)
	if err != nil {
		return err
	}

	changedJobs, err := b.queue.ChangedSince(b.lastTickMS)
	if err != nil {
		return err
	}

	if b.prev != nil {
		b.diffAndPublish(b.prev, snap, changedJobs, now)
	}
	b.prev = snap
	b.lastTickMS = now
	return nil
}

// collect reads the observable state in a handful of queries.
func (b *Broker) collect(now int64) (*snapshot, error) {
	snap := &snapshot{workers: make(map[string]WorkerStatus)}

	app, err := b.health.Get(ipc.AppComponent)
	if err != nil {
		return nil, err
	}
	if app != nil {
		snap.appHeartbeatMS = app.LastHeartbeat
		snap.appAlive = now-app.LastHeartbeat < b.cfg.HeartbeatStaleMS
	}

	workers, err := b.health.ListWorkers()
	if err != nil {
		return nil, err
	}
	jobKV, err := b.kv.ListPrefix("job:")
	if err != nil {
		return nil, err
	}
	for _, rec := range workers {
		ws := WorkerStatus{
			Component:     rec.Component,
			Status:        rec.Status,
			PID:           rec.PID,
			LastHeartbeat: rec.LastHeartbeat,
			CurrentJob:    rec.CurrentJob,
			RestartCount:  rec.RestartCount,
		}
		if rec.CurrentJob != nil {
			ws.JobPath = jobKV[ipc.JobPathKey(*rec.CurrentJob)]
		}
		snap.workers[rec.Component] = ws
	}

	stats, err := b.queue.GetStats()
	if err != nil {
		return nil, err
	}
	snap.stats = *stats
	return snap, nil
}

// diffAndPublish compares consecutive snapshots and emits one event per
// observed change, in a fixed order so per-topic ordering is stable.
func (b *Broker) diffAndPublish(prev, cur *snapshot, changedJobs []*queue.Job, now int64) {
	for _, job := range changedJobs {
		b.publish(Event{
			Type:      EventJobUpdate,
			Topic:     TopicQueueJobs,
			Payload:   JobUpdate{Job: job},
			Timestamp: now,
		})
	}

	if prev.stats != cur.stats {
		stats := cur.stats
		b.publish(Event{
			Type:      EventStatsUpdate,
			Topic:     TopicQueueStats,
			Payload:   StatsUpdate{Stats: &stats},
			Timestamp: now,
		})
	}

	healthChanged := prev.appAlive != cur.appAlive || len(prev.workers) != len(cur.workers)
	for component, ws := range cur.workers {
		old, existed := prev.workers[component]
		if existed && workerStatusEqual(old, ws) {
			continue
		}
		if !existed || old.Status != ws.Status {
			healthChanged = true
		}
		queueType, workerID, err := ipc.ParseWorkerComponent(component)
		if err != nil {
			b.log.Warnw("Unparseable worker component in health table", "component", component)
			continue
		}
		b.publish(Event{
			Type:      EventWorkerStatus,
			Topic:     WorkerTopic(queueType, workerID),
			Payload:   ws,
			Timestamp: now,
		})
	}

	if healthChanged {
		update := HealthUpdate{}
		if cur.appHeartbeatMS > 0 {
			update.AppHeartbeatAgeMS = now - cur.appHeartbeatMS
		}
		update.WorkersAlive, update.WorkersFailed = countWorkers(cur.workers)
		b.publish(Event{
			Type:      EventHealthUpdate,
			Topic:     TopicSystemHealth,
			Payload:   update,
			Timestamp: now,
		})
	}
}

// countWorkers splits the fleet into alive and failed. Crashed and
// stopped workers are in neither bucket; the supervisor is already
// handling them.
func countWorkers(workers map[string]WorkerStatus) (alive, failed int) {
	for _, ws := range workers {
		switch ws.Status {
		case ipc.HealthFailed:
			failed++
		case ipc.HealthStarting, ipc.HealthHealthy, ipc.HealthStopping:
			alive++
		}
	}
	return alive, failed
}

// workerStatusEqual ignores LastHeartbeat: a heartbeat alone is not a
// status change, or every tick after a beat would emit an event.
func workerStatusEqual(a, b WorkerStatus) bool {
	if a.Component != b.Component || a.Status != b.Status || a.PID != b.PID ||
		a.JobPath != b.JobPath || a.RestartCount != b.RestartCount {
		return false
	}
	switch {
	case a.CurrentJob == nil && b.CurrentJob == nil:
		return true
	case a.CurrentJob == nil || b.CurrentJob == nil:
		return false
	default:
		return *a.CurrentJob == *b.CurrentJob
	}
}

// publish fans ev to every matching subscriber. Never blocks.
func (b *Broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.matches(ev.Topic) {
			sub.push(ev)
		}
	}
}
