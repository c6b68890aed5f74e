// Package monitoring serves the operational surface of a parity run: health
// probes, a detailed status document and the Prometheus metrics endpoint.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/metrics"
)

// HealthStatus is the document served by /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Training  TrainingInfo  `json:"training"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains process-level information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// TrainingInfo summarizes the run this rank is driving.
type TrainingInfo struct {
	Rank          int       `json:"rank"`
	WorldSize     int       `json:"world_size"`
	StepsTaken    int64     `json:"steps_taken"`
	LastStep      time.Time `json:"last_step"`
	AvgStepMs     float64   `json:"avg_step_ms"`
	P95StepMs     float64   `json:"p95_step_ms"`
	ParityBroken  bool      `json:"parity_broken"`
	ParityMessage string    `json:"parity_message,omitempty"`
}

// Alert is one recorded condition.
type Alert struct {
	Level     string    `json:"level"`     // info, warning, error
	Component string    `json:"component"` // step, collective, parity
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor tracks run health and serves it over HTTP.
type Monitor struct {
	rank      int
	worldSize int
	startTime time.Time
	server    *http.Server

	mu            sync.RWMutex
	alerts        []Alert
	lastStep      time.Time
	stepHistory   []time.Duration
	parityBroken  bool
	parityMessage string
}

// NewMonitor creates a monitor for one rank of the group.
func NewMonitor(rank, worldSize int) *Monitor {
	return &Monitor{
		rank:      rank,
		worldSize: worldSize,
		startTime: time.Now(),
	}
}

// Start serves the monitoring endpoints until the listener fails or Stop is
// called. It blocks, so run it in its own goroutine.
func (m *Monitor) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", m.handleStatus)

	m.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("monitor serving", "addr", addr, "rank", m.rank)
	return m.server.ListenAndServe()
}

// Stop shuts the endpoint down.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordStep notes one completed optimizer step.
func (m *Monitor) RecordStep(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastStep = time.Now()
	m.stepHistory = append(m.stepHistory, duration)
	if len(m.stepHistory) > 1000 {
		m.stepHistory = m.stepHistory[1:]
	}

	if duration > 30*time.Second {
		m.addAlertLocked("warning", "step",
			fmt.Sprintf("slow step: %.2f ms", float64(duration.Nanoseconds())/1e6))
	}
}

// RecordParityFailure marks the run as broken; /health flips to unavailable.
func (m *Monitor) RecordParityFailure(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parityBroken = true
	m.parityMessage = message
	m.addAlertLocked("error", "parity", message)
}

// AddAlert records an alert.
func (m *Monitor) AddAlert(level, component, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addAlertLocked(level, component, message)
}

func (m *Monitor) addAlertLocked(level, component, message string) {
	m.alerts = append(m.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(m.alerts) > 100 {
		m.alerts = m.alerts[1:]
	}
	logger.Log.Warn("monitor alert", "level", level, "component", component, "message", message)
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := m.status()

	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.status()) //nolint:errcheck
}

func (m *Monitor) status() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := "healthy"
	if m.parityBroken {
		status = "broken"
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime),
		System:    systemInfo(),
		Training: TrainingInfo{
			Rank:          m.rank,
			WorldSize:     m.worldSize,
			StepsTaken:    metrics.TotalSteps(),
			LastStep:      m.lastStep,
			AvgStepMs:     avgMs(m.stepHistory),
			P95StepMs:     p95Ms(m.stepHistory),
			ParityBroken:  m.parityBroken,
			ParityMessage: m.parityMessage,
		},
		Alerts: append([]Alert(nil), m.alerts...),
	}
}

func systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(ms.Sys / 1024 / 1024),
		MemoryUsedMB: int(ms.Alloc / 1024 / 1024),
	}
}

func avgMs(history []time.Duration) float64 {
	if len(history) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range history {
		total += d
	}
	return float64(total.Nanoseconds()) / float64(len(history)) / 1e6
}

func p95Ms(history []time.Duration) float64 {
	if len(history) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), history...)
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx].Nanoseconds()) / 1e6
}
