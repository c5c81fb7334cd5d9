// Package collect implements the collection session lifecycle: a single
// active session at a time, backed by a rotating store.Writer, with
// automatic stop on a request count or wall-clock duration.
package collect

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/han-hayden/llm-perf-sidecar/catalog"
	"github.com/han-hayden/llm-perf-sidecar/store"
)

// ErrAlreadyRunning is returned by Start when a session is already active.
var ErrAlreadyRunning = errors.New("collect: a collection task is already running")

// ErrNotActive is returned by Stop when the given id is not the active task.
var ErrNotActive = errors.New("collect: task is not the active task")

// StopType selects the auto-stop condition for a session.
type StopType string

const (
	StopByCount    StopType = "count"
	StopByDuration StopType = "time"
)

// StartResult is returned by Start once a session begins.
type StartResult struct {
	TaskID  string
	DataDir string
}

// Manager is the process-wide collection session manager. Unlike the
// teacher's package-level singletons, it is constructed explicitly by
// main and passed to whatever needs it (the proxy forwarder, the HTTP
// control surface) rather than reached for as an implicit global.
type Manager struct {
	catalog    catalog.Catalog
	dataDir    string
	maxPerFile int
	flushSecs  int
	flushBatch int

	mu         sync.Mutex
	writer     *store.Writer
	taskID     string
	stopType   StopType
	stopValue  int
	startedAt  time.Time
	stopTimer  *time.Timer
}

// NewManager builds a Manager backed by cat for id allocation and
// bookkeeping, writing session data under dataDir.
func NewManager(cat catalog.Catalog, dataDir string, maxPerFile, flushIntervalSecs, flushBatch int) *Manager {
	return &Manager{
		catalog:    cat,
		dataDir:    dataDir,
		maxPerFile: maxPerFile,
		flushSecs:  flushIntervalSecs,
		flushBatch: flushBatch,
	}
}

// HasActive reports whether a session is currently running.
func (m *Manager) HasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writer != nil
}

// ActiveTaskID returns the running session's id, or "" if none.
func (m *Manager) ActiveTaskID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskID
}

// Start begins a new collection session, auto-stopping after stopValue
// requests (StopByCount) or stopValue seconds (StopByDuration).
func (m *Manager) Start(name string, stopType StopType, stopValue int) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		return StartResult{}, ErrAlreadyRunning
	}

	taskID, err := m.catalog.NextID("collect")
	if err != nil {
		return StartResult{}, fmt.Errorf("collect: allocate task id: %w", err)
	}

	writer, err := store.NewWriter(taskID, m.dataDir, m.maxPerFile, m.flushBatch)
	if err != nil {
		return StartResult{}, fmt.Errorf("collect: create writer: %w", err)
	}

	cfg, _ := json.Marshal(map[string]interface{}{"stop_type": stopType, "stop_value": stopValue})
	now := time.Now()
	if err := m.catalog.Insert(catalog.Task{
		ID: taskID, Name: name, Type: "collect", Status: "running",
		Config: cfg, DataDir: fmt.Sprintf("%s/%s", m.dataDir, taskID), CreatedAt: now,
	}); err != nil {
		return StartResult{}, fmt.Errorf("collect: persist task: %w", err)
	}

	writer.StartPeriodicFlush(time.Duration(m.flushSecs) * time.Second)

	m.writer = writer
	m.taskID = taskID
	m.stopType = stopType
	m.stopValue = stopValue
	m.startedAt = now

	if stopType == StopByDuration && stopValue > 0 {
		taskID := taskID
		m.stopTimer = time.AfterFunc(time.Duration(stopValue)*time.Second, func() {
			_ = m.Stop(taskID)
		})
	}

	return StartResult{TaskID: taskID, DataDir: fmt.Sprintf("%s/%s", m.dataDir, taskID)}, nil
}

// AddRecord routes one finished record to the active session, if any.
// Auto-stops the session once a count limit is reached.
func (m *Manager) AddRecord(rec store.Record) error {
	m.mu.Lock()
	writer := m.writer
	stopType := m.stopType
	stopValue := m.stopValue
	taskID := m.taskID
	m.mu.Unlock()

	if writer == nil {
		return nil
	}

	if err := writer.AddRecord(rec); err != nil {
		return fmt.Errorf("collect: add record: %w", err)
	}

	if stopType == StopByCount && writer.TotalRecords() >= stopValue {
		return m.Stop(taskID)
	}
	return nil
}

// Stop finalizes the active session if taskID matches it. Stopping a
// taskID that isn't (or is no longer) active returns ErrNotActive; this
// makes Stop safe to call more than once from a concurrent auto-stop
// and an explicit API call racing each other.
func (m *Manager) Stop(taskID string) error {
	m.mu.Lock()
	if m.taskID != taskID || m.writer == nil {
		m.mu.Unlock()
		return ErrNotActive
	}
	writer := m.writer
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
	m.writer = nil
	m.taskID = ""
	m.mu.Unlock()

	if err := writer.Finalize(); err != nil {
		return fmt.Errorf("collect: finalize session: %w", err)
	}

	return m.catalog.Complete(taskID, writer.TotalRecords(), time.Now())
}
