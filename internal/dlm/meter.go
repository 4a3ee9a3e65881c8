package dlm

import (
	"sync"
	"time"
)

// Sample is one per-download speed reading published by DownloadMeter.
type Sample struct {
	DownloadID string
	Bytes      int64
	Speed      float64 // bytes per second
}

type meterMemo struct {
	bytes int64
	speed float64
	at    time.Time
}

// DownloadMeter is a 1-second background sampler over a set of downloads:
// it turns raw bytes-loaded counters into instantaneous speeds and drops
// bookkeeping for any download that has left the loading state.
type DownloadMeter struct {
	mu        sync.Mutex
	downloads []*Download
	memo      map[string]meterMemo
	interval  time.Duration

	BytesChanged          EventListener[Sample]
	SpeedChanged          EventListener[Sample]
	AggregateSpeedChanged EventListener[float64]

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewDownloadMeter creates a meter that samples every second.
func NewDownloadMeter() *DownloadMeter {
	return &DownloadMeter{
		memo:     make(map[string]meterMemo),
		interval: time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddDownload registers a download to be sampled.
func (m *DownloadMeter) AddDownload(d *Download) {
	m.mu.Lock()
	m.downloads = append(m.downloads, d)
	m.mu.Unlock()
}

// RemoveDownload stops sampling a download and drops its memo entry.
func (m *DownloadMeter) RemoveDownload(d *Download) {
	m.mu.Lock()
	for i, dl := range m.downloads {
		if dl == d {
			m.downloads = append(m.downloads[:i], m.downloads[i+1:]...)
			break
		}
	}
	delete(m.memo, d.ID())
	m.mu.Unlock()
}

// LastSpeed returns the most recently sampled speed for a download ID, or
// 0 if it has never been sampled (not yet loading, or unknown ID).
func (m *DownloadMeter) LastSpeed(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memo[id].speed
}

// Run blocks, sampling every interval, until Stop is called. Callers
// typically launch it in its own goroutine.
func (m *DownloadMeter) Run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stop:
			return
		}
	}
}

// Stop ends the sampling loop and waits for Run to return.
func (m *DownloadMeter) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *DownloadMeter) sample() {
	m.mu.Lock()
	downloads := make([]*Download, len(m.downloads))
	copy(downloads, m.downloads)
	m.mu.Unlock()

	now := time.Now()
	var aggregate float64
	anyLoading := false

	for _, d := range downloads {
		if d.State() != StateLoading {
			m.mu.Lock()
			delete(m.memo, d.ID())
			m.mu.Unlock()
			continue
		}
		anyLoading = true

		bytes := d.GetBytesLoaded()

		m.mu.Lock()
		prev, known := m.memo[d.ID()]
		m.mu.Unlock()

		var speed float64
		if known {
			elapsed := now.Sub(prev.at).Seconds()
			if elapsed > 0 {
				speed = float64(bytes-prev.bytes) / elapsed
			}
		}
		aggregate += speed

		changed := !known || bytes != prev.bytes
		speedChanged := !known || speed != prev.speed

		m.mu.Lock()
		m.memo[d.ID()] = meterMemo{bytes: bytes, speed: speed, at: now}
		m.mu.Unlock()

		if changed {
			m.BytesChanged.Fire(Sample{DownloadID: d.ID(), Bytes: bytes, Speed: speed})
		}
		if speedChanged {
			m.SpeedChanged.Fire(Sample{DownloadID: d.ID(), Bytes: bytes, Speed: speed})
		}
	}

	if anyLoading {
		m.AggregateSpeedChanged.Fire(aggregate)
	}
}
