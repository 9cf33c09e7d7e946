// Package microscopy drives a trajectory run: move to each point, wait for
// the stage, then capture plainly or through the autofocus flow.
package microscopy

import (
	"errors"
	"fmt"
	"sync"

	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"
	"AutoFocusServer/monitor"

	"go.uber.org/zap"
)

type State int

const (
	IDLE State = iota
	RUNNING
	PAUSED
	STOPPING
	COMPLETED
	ERROR
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case RUNNING:
		return "RUNNING"
	case PAUSED:
		return "PAUSED"
	case STOPPING:
		return "STOPPING"
	case COMPLETED:
		return "COMPLETED"
	case ERROR:
		return "ERROR"
	}
	return "UNKNOWN"
}

var ErrInvalidTransition = errors.New("invalid state transition")

// Summary is a point-in-time copy of the run bookkeeping.
type Summary struct {
	State           string  `json:"state"`
	CurrentPoint    int     `json:"current_point"`
	TotalPoints     int     `json:"total_points"`
	RemainingPoints int     `json:"remaining_points"`
	Progress        float64 `json:"progress_percent"`
	ImageCounter    int     `json:"image_counter"`
	LearningMode    bool    `json:"learning_mode"`
	LearningCount   int     `json:"learning_count"`
	LearningTarget  int     `json:"learning_target"`
	PositionChecks  int     `json:"position_checks"`
	Error           string  `json:"error,omitempty"`
}

// StateManager holds the run state. Transitions are its only side effect;
// hardware and IO stay in the Orchestrator.
type StateManager struct {
	mu  sync.RWMutex
	log *zap.Logger

	state          State
	currentPoint   int
	totalPoints    int
	positionChecks int
	imageCounter   int
	learningCount  int
	learningTarget int
	learningMode   bool
	trajectory     []iface.StagePoint
	errMsg         string
}

func NewStateManager(log *zap.Logger) *StateManager {
	return &StateManager{log: logger.OrNop(log)}
}

// transition must be called with mu held.
func (m *StateManager) transition(to State, allowed ...State) error {
	ok := len(allowed) == 0
	for _, s := range allowed {
		if m.state == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.log.Info("state change", zap.String("from", m.state.String()), zap.String("state", to.String()))
	m.state = to
	monitor.SetRunState(int(to))
	return nil
}

// Start begins a run over a private copy of trajectory.
func (m *StateManager) Start(trajectory []iface.StagePoint, learningMode bool, learningTarget int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(RUNNING, IDLE); err != nil {
		return err
	}
	m.trajectory = append([]iface.StagePoint(nil), trajectory...)
	m.totalPoints = len(m.trajectory)
	m.currentPoint = 0
	m.positionChecks = 0
	m.imageCounter = 0
	m.learningCount = 0
	m.learningMode = learningMode
	m.learningTarget = max(learningTarget, 0)
	m.errMsg = ""
	return nil
}

func (m *StateManager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(PAUSED, RUNNING)
}

func (m *StateManager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(RUNNING, PAUSED)
}

func (m *StateManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(STOPPING, RUNNING, PAUSED)
}

// Complete is allowed from any state. The orchestrator only calls it once
// every point has been processed.
func (m *StateManager) Complete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.transition(COMPLETED)
}

func (m *StateManager) Fail(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errMsg = msg
	_ = m.transition(ERROR)
}

// Reset returns to IDLE from any state and clears all bookkeeping.
func (m *StateManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.transition(IDLE)
	m.currentPoint, m.totalPoints = 0, 0
	m.positionChecks, m.imageCounter = 0, 0
	m.learningCount, m.learningTarget, m.learningMode = 0, 0, false
	m.trajectory = nil
	m.errMsg = ""
}

// AdvancePoint moves to the next point unless the trajectory is exhausted.
func (m *StateManager) AdvancePoint() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked()
}

func (m *StateManager) advanceLocked() bool {
	if m.currentPoint >= m.totalPoints {
		return false
	}
	m.currentPoint++
	return true
}

// SkipCurrentPoint is AdvancePoint with an operator-visible log line.
func (m *StateManager) SkipCurrentPoint() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Info("skipping point", zap.Int("point", m.currentPoint), zap.Int("total", m.totalPoints))
	return m.advanceLocked()
}

// IncrementImageCounter counts one saved image and, while learning mode
// is on and under target, one learning sample.
func (m *StateManager) IncrementImageCounter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageCounter++
	if m.learningMode && m.learningCount < m.learningTarget {
		m.learningCount++
	}
}

// IncrementPositionChecks returns the updated check count.
func (m *StateManager) IncrementPositionChecks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionChecks++
	return m.positionChecks
}

func (m *StateManager) ResetPositionChecks() {
	m.mu.Lock()
	m.positionChecks = 0
	m.mu.Unlock()
}

func (m *StateManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *StateManager) CurrentPoint() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentPoint
}

func (m *StateManager) TotalPoints() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalPoints
}

func (m *StateManager) ImageCounter() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.imageCounter
}

// CurrentTarget is the trajectory entry at the current point.
func (m *StateManager) CurrentTarget() (iface.StagePoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentPoint >= len(m.trajectory) {
		return iface.StagePoint{}, false
	}
	return m.trajectory[m.currentPoint], true
}

// LearningActive reports whether candidates still need confirmation, and
// the count/target to show the operator.
func (m *StateManager) LearningActive() (bool, int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.learningMode && m.learningCount < m.learningTarget, m.learningCount, m.learningTarget
}

func (m *StateManager) RemainingPoints() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalPoints - m.currentPoint
}

func (m *StateManager) ProgressPercent() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progressLocked()
}

func (m *StateManager) progressLocked() float64 {
	if m.totalPoints == 0 {
		return 0
	}
	return 100 * float64(m.currentPoint) / float64(m.totalPoints)
}

func (m *StateManager) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Summary{
		State:           m.state.String(),
		CurrentPoint:    m.currentPoint,
		TotalPoints:     m.totalPoints,
		RemainingPoints: m.totalPoints - m.currentPoint,
		Progress:        m.progressLocked(),
		ImageCounter:    m.imageCounter,
		LearningMode:    m.learningMode,
		LearningCount:   m.learningCount,
		LearningTarget:  m.learningTarget,
		PositionChecks:  m.positionChecks,
		Error:           m.errMsg,
	}
}
