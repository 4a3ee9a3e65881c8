package dlm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager is pure admission control over an ordered list of Downloads: it
// never touches a Download's chunk or source state directly, only Start,
// Ready, Pause and the status-change events they fire.
type Manager struct {
	mu          sync.Mutex
	downloads   []*Download
	maxParallel int // 0 = unbounded
}

// NewManager creates a Manager with the given max_parallel_downloads cap
// (0 means unbounded).
func NewManager(maxParallel int) *Manager {
	return &Manager{maxParallel: maxParallel}
}

// SetMaxParallelDownloads changes the cap and re-runs admission.
func (m *Manager) SetMaxParallelDownloads(n int) {
	m.mu.Lock()
	m.maxParallel = n
	m.mu.Unlock()
	m.admit()
}

// AddDownload registers d with the manager and subscribes to its status
// changes so admission re-runs whenever d's state moves, then runs
// admission once immediately in case a slot is free.
func (m *Manager) AddDownload(d *Download) {
	m.mu.Lock()
	m.downloads = append(m.downloads, d)
	m.mu.Unlock()

	d.StatusChanged.Subscribe(func(State) { m.admit() })
	m.admit()
}

// RemoveDownload drops d from the manager's list. It refuses while d is
// loading or fetching_info, matching the lifecycle rule that those states
// must be left (via Pause/Cancel/Fail) before a download can be forgotten.
func (m *Manager) RemoveDownload(d *Download) error {
	if d.State() == StateLoading || d.State() == StateFetchingInfo {
		return fmt.Errorf("dlm: cannot remove download %s while %s", d.ID(), d.State())
	}
	m.mu.Lock()
	for i, dl := range m.downloads {
		if dl == d {
			m.downloads = append(m.downloads[:i], m.downloads[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// List returns a snapshot of the managed downloads in admission order.
func (m *Manager) List() []*Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Download, len(m.downloads))
	copy(out, m.downloads)
	return out
}

// Get returns the download with the given id, or nil.
func (m *Manager) Get(id string) *Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.downloads {
		if d.ID() == id {
			return d
		}
	}
	return nil
}

// admit counts downloads currently running (loading or fetching_info)
// and, while under the cap, starts ready downloads in list order.
func (m *Manager) admit() {
	m.mu.Lock()
	downloads := make([]*Download, len(m.downloads))
	copy(downloads, m.downloads)
	maxParallel := m.maxParallel
	m.mu.Unlock()

	running := 0
	for _, d := range downloads {
		switch d.State() {
		case StateLoading, StateFetchingInfo:
			running++
		}
	}

	for _, d := range downloads {
		if maxParallel > 0 && running >= maxParallel {
			return
		}
		if d.State() != StateReady {
			continue
		}
		if d.Start() {
			running++
		}
	}
}

func isQuiescent(s State) bool {
	switch s {
	case StateLoading, StateFetchingInfo, StateStopping:
		return false
	}
	return true
}

// Quit pauses every download that is not already quiescent and blocks
// until each has left loading, fetching_info and stopping.
func (m *Manager) Quit() {
	downloads := m.List()
	g, _ := errgroup.WithContext(context.Background())

	for _, d := range downloads {
		if isQuiescent(d.State()) {
			continue
		}
		settled := make(chan struct{})
		var once sync.Once
		d.StatusChanged.Subscribe(func(s State) {
			if isQuiescent(s) {
				once.Do(func() { close(settled) })
			}
		})

		d := d
		g.Go(func() error {
			if isQuiescent(d.State()) {
				return nil
			}
			<-settled
			return nil
		})

		switch d.State() {
		case StateLoading, StateFetchingInfo:
			d.Pause()
		}
	}

	g.Wait()
}
