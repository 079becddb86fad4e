package conductor

import (
	"fmt"
	"sync"
)

// DefaultBudgetThresholds are the ascending consumption percentages at
// which the monitor emits warnings. Crossing the final threshold requests a
// checkpoint, so an unplanned interruption loses at most the remaining
// slack of work.
var DefaultBudgetThresholds = []int{50, 75, 90}

// BudgetConfig configures a BudgetMonitor. A zero Total disables budget
// tracking entirely.
type BudgetConfig struct {
	Total      int   `json:"total" yaml:"total"`
	Thresholds []int `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// BudgetReport describes the effect of one consumption update. Threshold is
// the highest threshold newly crossed by this update (zero when none).
// Crossings are edge-triggered: a threshold reports once, on the update
// that crosses it, never again on later updates that stay above it.
type BudgetReport struct {
	Consumed         int
	Total            int
	Percent          float64
	Threshold        int
	Message          string
	ShouldCheckpoint bool
	Exhausted        bool
}

// BudgetMonitor tracks cumulative resource consumption against a fixed
// total budget.
type BudgetMonitor struct {
	total      int
	thresholds []int
	consumed   int
	crossed    int // count of thresholds already reported
	exhausted  bool
	mutex      sync.Mutex
}

// NewBudgetMonitor creates a monitor. Invalid threshold lists (out of
// order, out of range) fall back to the defaults.
func NewBudgetMonitor(cfg BudgetConfig) *BudgetMonitor {
	thresholds := cfg.Thresholds
	if !validThresholds(thresholds) {
		thresholds = DefaultBudgetThresholds
	}
	return &BudgetMonitor{
		total:      cfg.Total,
		thresholds: append([]int(nil), thresholds...),
	}
}

func validThresholds(thresholds []int) bool {
	if len(thresholds) == 0 {
		return false
	}
	prev := 0
	for _, t := range thresholds {
		if t <= prev || t > 100 {
			return false
		}
		prev = t
	}
	return true
}

// Update adds a consumption delta and reports any newly crossed thresholds.
// ShouldCheckpoint is set exactly once per crossing of the final threshold.
func (m *BudgetMonitor) Update(delta int) BudgetReport {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.consumed += delta

	report := BudgetReport{
		Consumed: m.consumed,
		Total:    m.total,
	}
	if m.total <= 0 {
		return report
	}
	report.Percent = 100 * float64(m.consumed) / float64(m.total)

	topIndex := len(m.thresholds) - 1
	for m.crossed <= topIndex && report.Percent >= float64(m.thresholds[m.crossed]) {
		report.Threshold = m.thresholds[m.crossed]
		if m.crossed == topIndex {
			report.ShouldCheckpoint = true
		}
		m.crossed++
	}
	if report.Threshold > 0 {
		report.Message = fmt.Sprintf("token budget %.0f%% consumed (%d/%d), crossed %d%% threshold",
			report.Percent, m.consumed, m.total, report.Threshold)
	}
	if !m.exhausted && m.consumed >= m.total {
		m.exhausted = true
		report.Exhausted = true
		report.Message = fmt.Sprintf("token budget exhausted (%d/%d)", m.consumed, m.total)
	}
	return report
}

// Consumed returns the cumulative consumption.
func (m *BudgetMonitor) Consumed() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.consumed
}

// Restore rewinds the monitor to a known consumption level, recomputing
// which thresholds count as already crossed so a resumed run does not
// re-fire old warnings.
func (m *BudgetMonitor) Restore(consumed int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.consumed = consumed
	m.crossed = 0
	m.exhausted = false
	if m.total <= 0 {
		return
	}
	percent := 100 * float64(consumed) / float64(m.total)
	for m.crossed < len(m.thresholds) && percent >= float64(m.thresholds[m.crossed]) {
		m.crossed++
	}
	m.exhausted = consumed >= m.total
}
