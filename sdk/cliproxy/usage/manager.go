// Package usage collects per-request usage records from the executor and fans them
// out to plugins on a background goroutine so the request path never blocks on them.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Record contains the usage statistics captured for a single upstream call.
type Record struct {
	ID          string
	Model       string
	Project     string
	Stream      bool
	RequestedAt time.Time
	Latency     time.Duration
	Failed      bool
	// ErrorKind is the taxonomy kind of the failure, empty on success.
	ErrorKind string
	Detail    Detail
}

// Detail holds the token usage breakdown reported in usageMetadata.
type Detail struct {
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	CachedTokens    int64
	TotalTokens     int64
}

// Plugin consumes usage records.
type Plugin interface {
	HandleUsage(ctx context.Context, record Record)
}

type queueItem struct {
	ctx    context.Context
	record Record
}

// Manager maintains a bounded queue of usage records and delivers them to registered plugins.
// When the queue is full the oldest record is dropped.
type Manager struct {
	once     sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	limit    int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queueItem
	closed  bool
	dropped int64

	pluginsMu sync.RWMutex
	plugins   []Plugin
}

// NewManager constructs a manager whose queue holds at most buffer records.
// A buffer <= 0 leaves the queue unbounded.
func NewManager(buffer int) *Manager {
	m := &Manager{limit: buffer, done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the background dispatcher. Calling Start multiple times is safe.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		var workerCtx context.Context
		workerCtx, m.cancel = context.WithCancel(ctx)
		go m.run(workerCtx)
	})
}

// Stop closes the queue, waits for the dispatcher to deliver what is left and returns.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		m.Start(context.Background())
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cond.Broadcast()
		<-m.done
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// Register appends a plugin to the delivery list.
func (m *Manager) Register(plugin Plugin) {
	if m == nil || plugin == nil {
		return
	}
	m.pluginsMu.Lock()
	m.plugins = append(m.plugins, plugin)
	m.pluginsMu.Unlock()
}

// Publish enqueues a usage record, assigning it an ID when it has none.
func (m *Manager) Publish(ctx context.Context, record Record) {
	if m == nil {
		return
	}
	// ensure worker is running even if Start was not called explicitly
	m.Start(context.Background())
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.RequestedAt.IsZero() {
		record.RequestedAt = time.Now()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.limit > 0 && len(m.queue) >= m.limit {
		m.queue = m.queue[1:]
		m.dropped++
		if m.dropped == 1 || m.dropped%100 == 0 {
			log.Warnf("usage: queue full, %d record(s) dropped", m.dropped)
		}
	}
	m.queue = append(m.queue, queueItem{ctx: context.WithoutCancel(ctx), record: record})
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		m.mu.Lock()
		for !m.closed && len(m.queue) == 0 {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		item := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.dispatch(item)
	}
}

func (m *Manager) dispatch(item queueItem) {
	m.pluginsMu.RLock()
	plugins := make([]Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.pluginsMu.RUnlock()
	for _, plugin := range plugins {
		if plugin == nil {
			continue
		}
		safeInvoke(plugin, item.ctx, item.record)
	}
}

func safeInvoke(plugin Plugin, ctx context.Context, record Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("usage: plugin panic recovered: %v", r)
		}
	}()
	plugin.HandleUsage(ctx, record)
}
