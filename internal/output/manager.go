// Package output renders the live status of running downloads.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"
)

type progressState struct {
	received int64
	total    int64
	speed    float64
	chunks   int
}

type entry struct {
	id          string
	index       int
	label       string
	status      string
	message     string
	progress    *progressState
	complete    bool
	startTime   time.Time
	lastUpdated time.Time
	err         error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

// Manager redraws one line (plus a progress line) per registered download.
type Manager struct {
	mu          sync.RWMutex
	out         io.Writer
	entries     map[string]*entry
	count       int
	numLines    int
	errors      []ErrorReport
	paused      bool
	interactive bool
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return NewManagerWithWriter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
}

// NewManagerWithWriter renders to w; a non-interactive writer only gets the
// final summary.
func NewManagerWithWriter(w io.Writer, interactive bool) *Manager {
	return &Manager{
		out:         w,
		entries:     make(map[string]*entry),
		interactive: interactive,
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

// Register adds a download and returns its id.
func (m *Manager) Register(label string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	id := uuid.NewString()
	m.entries[id] = &entry{
		id:          id,
		index:       m.count,
		label:       label,
		status:      "pending",
		startTime:   time.Now(),
		lastUpdated: time.Now(),
	}
	return id
}

func (m *Manager) update(id string, fn func(e *entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		fn(e)
		e.lastUpdated = time.Now()
	}
}

func (m *Manager) SetMessage(id, message string) {
	m.update(id, func(e *entry) { e.message = message })
}

func (m *Manager) SetStatus(id, status string) {
	m.update(id, func(e *entry) { e.status = status })
}

func (m *Manager) SetProgress(id string, received, total int64, speed float64, chunks int) {
	m.update(id, func(e *entry) {
		e.progress = &progressState{received: received, total: total, speed: speed, chunks: chunks}
	})
}

// SetPaused marks every running download as paused in the display.
func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

func (m *Manager) Complete(id, message string) {
	m.update(id, func(e *entry) {
		if message == "" {
			message = fmt.Sprintf("Completed %s", e.label)
		}
		e.message = message
		e.progress = nil
		e.complete = true
		e.status = "success"
	})
}

func (m *Manager) ReportError(id string, err error) {
	m.update(id, func(e *entry) {
		e.complete = true
		e.status = "error"
		e.err = err
		e.progress = nil
		m.errors = append(m.errors, ErrorReport{Label: e.label, Error: err, Time: time.Now()})
	})
}

// Status returns the status string of id, "unknown" when unregistered.
func (m *Manager) Status(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.status
	}
	return "unknown"
}

func (m *Manager) statusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	}
	return infoStyle.Render(StyleSymbols["bullet"])
}

func styleMessage(status, message string) string {
	switch status {
	case "success":
		return successStyle.Render(message)
	case "error":
		return errorStyle.Render(message)
	case "warning":
		return warningStyle.Render(message)
	}
	return pendingStyle.Render(message)
}

// sorted requires mu.
func (m *Manager) sorted() []*entry {
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].complete != all[j].complete {
			return !all[i].complete
		}
		return all[i].index < all[j].index
	})
	return all
}

// render requires mu.
func (m *Manager) render() []string {
	var lines []string
	indent := strings.Repeat(" ", 2)
	for _, e := range m.sorted() {
		elapsed := time.Since(e.startTime).Round(time.Second)
		if e.complete {
			elapsed = e.lastUpdated.Sub(e.startTime).Round(time.Second)
		}
		indicator := m.statusIndicator(e.status)
		if m.paused && !e.complete {
			indicator = warningStyle.Render(StyleSymbols["paused"])
		}
		message := e.message
		if message == "" {
			message = "Waiting..."
		}
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, indicator, debugStyle.Render(elapsed.String()), styleMessage(e.status, message)))
		if e.progress != nil {
			bar := debugStyle.Render(ProgressBar(e.progress.received, e.progress.total, barWidth()))
			lines = append(lines, indent+indent+indent+bar+streamStyle.Render(progressText(*e.progress)))
		}
	}
	return lines
}

func (m *Manager) updateDisplay() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := m.render()
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.interactive {
					m.updateDisplay()
				}
			case <-m.doneCh:
				if m.interactive {
					m.updateDisplay()
				}
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

// Counts returns how many downloads succeeded and failed.
func (m *Manager) Counts() (succeeded, failed, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		switch e.status {
		case "success":
			succeeded++
		case "error":
			failed++
		}
	}
	return succeeded, failed, len(m.entries)
}

func (m *Manager) ShowSummary() {
	succeeded, failed, total := m.Counts()
	m.mu.RLock()
	defer m.mu.RUnlock()
	indent := strings.Repeat(" ", 2)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, indent+summaryStyle.Render(fmt.Sprintf("Completed %d of %d", succeeded, total)))
	if failed > 0 {
		fmt.Fprintln(m.out, indent+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	}
	if len(m.errors) > 0 {
		fmt.Fprintln(m.out)
		fmt.Fprintln(m.out, indent+errorStyle.Bold(true).Render("Errors:"))
		for i, report := range m.errors {
			fmt.Fprintf(m.out, "%s%s %s %s\n", indent+indent,
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
				errorStyle.Render(report.Label))
			fmt.Fprintf(m.out, "%s%s\n", indent+indent+indent, errorStyle.Render(fmt.Sprintf("Error: %v", report.Error)))
		}
	}
	fmt.Fprintln(m.out)
}
