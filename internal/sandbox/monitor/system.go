// Package monitor implements the background monitoring plane: system-wide
// resource sampling with bounded history, and the periodic per-sandbox
// monitor loop.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	appErr "boxguard/pkg/errors"

	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/zeromicro/go-zero/core/collection"
)

// PerformanceSample is one system-wide reading produced per monitoring tick.
type PerformanceSample struct {
	Timestamp          time.Time `json:"timestamp"`
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryPercent      float64   `json:"memory_percent"`
	MemoryUsedBytes    uint64    `json:"memory_used_bytes"`
	DiskReadBps        float64   `json:"disk_read_bps"`
	DiskWriteBps       float64   `json:"disk_write_bps"`
	NetSentBps         float64   `json:"net_sent_bps"`
	NetRecvBps         float64   `json:"net_recv_bps"`
	ActiveSandboxCount int       `json:"active_sandbox_count"`
}

// Severity of a threshold warning.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Warning is a threshold crossing detected during sampling.
type Warning struct {
	Severity Severity
	Metric   string
	Message  string
}

// Thresholds holds the two fixed tiers per metric. They are configuration,
// not per-call parameters.
type Thresholds struct {
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  float64
	MemoryCritical float64
	DiskWarnBps    float64
	NetWarnBps     float64
}

// DefaultThresholds returns the stock warning tiers.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:     80,
		CPUCritical:    95,
		MemoryWarning:  85,
		MemoryCritical: 95,
		DiskWarnBps:    100 * 1024 * 1024,
		NetWarnBps:     50 * 1024 * 1024,
	}
}

// SystemInfo is the static baseline captured at monitor construction.
type SystemInfo struct {
	CPUCount         int    `json:"cpu_count"`
	MemoryTotalBytes uint64 `json:"memory_total_bytes"`
	DiskTotalBytes   uint64 `json:"disk_total_bytes"`
}

// SystemProbe abstracts the OS counter sources so the monitor is testable
// without real hardware readings.
type SystemProbe interface {
	CPUPercent() (float64, error)
	Memory() (percent float64, usedBytes uint64, err error)
	DiskCounters() (readBytes, writeBytes uint64, err error)
	NetCounters() (sentBytes, recvBytes uint64, err error)
	Baseline() SystemInfo
}

// GopsutilProbe reads real counters.
type GopsutilProbe struct{}

func (GopsutilProbe) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func (GopsutilProbe) Memory() (float64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.UsedPercent, vm.Used, nil
}

func (GopsutilProbe) DiskCounters() (uint64, uint64, error) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0, err
	}
	var read, write uint64
	for _, c := range counters {
		read += c.ReadBytes
		write += c.WriteBytes
	}
	return read, write, nil
}

func (GopsutilProbe) NetCounters() (uint64, uint64, error) {
	counters, err := gnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		return 0, 0, err
	}
	return counters[0].BytesSent, counters[0].BytesRecv, nil
}

func (GopsutilProbe) Baseline() SystemInfo {
	info := SystemInfo{}
	if n, err := cpu.Counts(true); err == nil {
		info.CPUCount = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotalBytes = vm.Total
	}
	if du, err := disk.Usage("/"); err == nil {
		info.DiskTotalBytes = du.Total
	}
	return info
}

// DefaultHistorySize bounds the sample ring buffer.
const DefaultHistorySize = 1000

// SystemMonitor samples system-wide counters, derives throughput as byte
// deltas over the time delta since the previous sample, and keeps a bounded
// history.
type SystemMonitor struct {
	probe      SystemProbe
	thresholds Thresholds
	info       SystemInfo

	mu            sync.Mutex
	history       *collection.Ring
	lastDiskRead  uint64
	lastDiskWrite uint64
	lastNetSent   uint64
	lastNetRecv   uint64
	lastTime      time.Time
}

// NewSystemMonitor creates a monitor over the given probe. A nil probe uses
// gopsutil; historySize <= 0 uses DefaultHistorySize.
func NewSystemMonitor(probe SystemProbe, thresholds Thresholds, historySize int) *SystemMonitor {
	if probe == nil {
		probe = GopsutilProbe{}
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &SystemMonitor{
		probe:      probe,
		thresholds: thresholds,
		info:       probe.Baseline(),
		history:    collection.NewRing(historySize),
	}
}

// Info returns the static system baseline.
func (m *SystemMonitor) Info() SystemInfo { return m.info }

// Sample takes one reading, stores it and returns it with any threshold
// warnings.
func (m *SystemMonitor) Sample(ctx context.Context, activeSandboxes int) (PerformanceSample, []Warning, error) {
	cpuPercent, err := m.probe.CPUPercent()
	if err != nil {
		return PerformanceSample{}, nil, appErr.Wrapf(err, appErr.MonitoringQueryError, "cpu sample: %v", err)
	}
	memPercent, memUsed, err := m.probe.Memory()
	if err != nil {
		return PerformanceSample{}, nil, appErr.Wrapf(err, appErr.MonitoringQueryError, "memory sample: %v", err)
	}
	diskRead, diskWrite, err := m.probe.DiskCounters()
	if err != nil {
		return PerformanceSample{}, nil, appErr.Wrapf(err, appErr.MonitoringQueryError, "disk sample: %v", err)
	}
	netSent, netRecv, err := m.probe.NetCounters()
	if err != nil {
		return PerformanceSample{}, nil, appErr.Wrapf(err, appErr.MonitoringQueryError, "net sample: %v", err)
	}

	now := time.Now()

	m.mu.Lock()
	sample := PerformanceSample{
		Timestamp:          now,
		CPUPercent:         cpuPercent,
		MemoryPercent:      memPercent,
		MemoryUsedBytes:    memUsed,
		ActiveSandboxCount: activeSandboxes,
	}
	if !m.lastTime.IsZero() {
		dt := now.Sub(m.lastTime).Seconds()
		// a zero time delta would divide away the rates
		if dt > 0 {
			sample.DiskReadBps = float64(diskRead-m.lastDiskRead) / dt
			sample.DiskWriteBps = float64(diskWrite-m.lastDiskWrite) / dt
			sample.NetSentBps = float64(netSent-m.lastNetSent) / dt
			sample.NetRecvBps = float64(netRecv-m.lastNetRecv) / dt
		}
	}
	m.lastDiskRead, m.lastDiskWrite = diskRead, diskWrite
	m.lastNetSent, m.lastNetRecv = netSent, netRecv
	m.lastTime = now
	m.history.Add(sample)
	m.mu.Unlock()

	return sample, m.checkThresholds(sample), nil
}

func (m *SystemMonitor) checkThresholds(s PerformanceSample) []Warning {
	var warnings []Warning
	t := m.thresholds

	switch {
	case s.CPUPercent > t.CPUCritical:
		warnings = append(warnings, Warning{SeverityCritical, "cpu",
			fmt.Sprintf("cpu usage critical: %.1f%%", s.CPUPercent)})
	case s.CPUPercent > t.CPUWarning:
		warnings = append(warnings, Warning{SeverityWarning, "cpu",
			fmt.Sprintf("cpu usage high: %.1f%%", s.CPUPercent)})
	}

	switch {
	case s.MemoryPercent > t.MemoryCritical:
		warnings = append(warnings, Warning{SeverityCritical, "memory",
			fmt.Sprintf("memory usage critical: %.1f%%", s.MemoryPercent)})
	case s.MemoryPercent > t.MemoryWarning:
		warnings = append(warnings, Warning{SeverityWarning, "memory",
			fmt.Sprintf("memory usage high: %.1f%%", s.MemoryPercent)})
	}

	if s.DiskReadBps > t.DiskWarnBps {
		warnings = append(warnings, Warning{SeverityWarning, "disk_read",
			fmt.Sprintf("disk read rate high: %.1f MB/s", s.DiskReadBps/(1024*1024))})
	}
	if s.DiskWriteBps > t.DiskWarnBps {
		warnings = append(warnings, Warning{SeverityWarning, "disk_write",
			fmt.Sprintf("disk write rate high: %.1f MB/s", s.DiskWriteBps/(1024*1024))})
	}
	if s.NetSentBps > t.NetWarnBps {
		warnings = append(warnings, Warning{SeverityWarning, "net_sent",
			fmt.Sprintf("network send rate high: %.1f MB/s", s.NetSentBps/(1024*1024))})
	}
	if s.NetRecvBps > t.NetWarnBps {
		warnings = append(warnings, Warning{SeverityWarning, "net_recv",
			fmt.Sprintf("network receive rate high: %.1f MB/s", s.NetRecvBps/(1024*1024))})
	}
	return warnings
}

// History returns the retained samples, oldest first.
func (m *SystemMonitor) History() []PerformanceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := m.history.Take()
	out := make([]PerformanceSample, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(PerformanceSample); ok {
			out = append(out, s)
		}
	}
	return out
}

// Latest returns the most recent sample.
func (m *SystemMonitor) Latest() (PerformanceSample, bool) {
	history := m.History()
	if len(history) == 0 {
		return PerformanceSample{}, false
	}
	return history[len(history)-1], true
}

// Summary aggregates averages and peaks over the most recent n samples.
type Summary struct {
	SystemInfo       SystemInfo `json:"system_info"`
	DataPoints       int        `json:"data_points"`
	AvgCPUPercent    float64    `json:"avg_cpu_percent"`
	AvgMemoryPercent float64    `json:"avg_memory_percent"`
	AvgDiskReadBps   float64    `json:"avg_disk_read_bps"`
	AvgDiskWriteBps  float64    `json:"avg_disk_write_bps"`
	PeakCPUPercent   float64    `json:"peak_cpu_percent"`
	PeakMemory       float64    `json:"peak_memory_percent"`
	SandboxCount     int        `json:"sandbox_count"`
	LastUpdate       time.Time  `json:"last_update"`
}

// Summarize computes the rolling-window summary over the last n samples.
func (m *SystemMonitor) Summarize(n int) (Summary, error) {
	history := m.History()
	if len(history) == 0 {
		return Summary{}, appErr.New(appErr.SampleUnavailable)
	}
	if n <= 0 || n > len(history) {
		n = len(history)
	}
	recent := history[len(history)-n:]

	s := Summary{
		SystemInfo: m.info,
		DataPoints: len(history),
	}
	for _, sample := range recent {
		s.AvgCPUPercent += sample.CPUPercent
		s.AvgMemoryPercent += sample.MemoryPercent
		s.AvgDiskReadBps += sample.DiskReadBps
		s.AvgDiskWriteBps += sample.DiskWriteBps
		if sample.CPUPercent > s.PeakCPUPercent {
			s.PeakCPUPercent = sample.CPUPercent
		}
		if sample.MemoryPercent > s.PeakMemory {
			s.PeakMemory = sample.MemoryPercent
		}
	}
	count := float64(len(recent))
	s.AvgCPUPercent /= count
	s.AvgMemoryPercent /= count
	s.AvgDiskReadBps /= count
	s.AvgDiskWriteBps /= count
	last := recent[len(recent)-1]
	s.SandboxCount = last.ActiveSandboxCount
	s.LastUpdate = last.Timestamp
	return s, nil
}

// Suggestions derives textual optimization hints from fixed threshold
// comparisons over the last 20 samples. No learning involved.
func (m *SystemMonitor) Suggestions() []string {
	history := m.History()
	if len(history) == 0 {
		return []string{"not enough data to derive suggestions"}
	}
	n := 20
	if n > len(history) {
		n = len(history)
	}
	recent := history[len(history)-n:]

	var avgCPU, avgMem, avgDiskBps, avgSandboxes float64
	for _, s := range recent {
		avgCPU += s.CPUPercent
		avgMem += s.MemoryPercent
		avgDiskBps += s.DiskReadBps + s.DiskWriteBps
		avgSandboxes += float64(s.ActiveSandboxCount)
	}
	count := float64(len(recent))
	avgCPU /= count
	avgMem /= count
	avgDiskBps /= count
	avgSandboxes /= count

	var suggestions []string
	switch {
	case avgCPU > 80:
		suggestions = append(suggestions, "cpu usage is sustained high; reduce concurrent sandboxes or inspect sandboxed processes")
	case avgCPU > 60:
		suggestions = append(suggestions, "cpu usage is elevated; keep an eye on per-sandbox cpu consumption")
	}
	switch {
	case avgMem > 85:
		suggestions = append(suggestions, "memory usage is very high; add memory or tighten sandbox memory limits")
	case avgMem > 70:
		suggestions = append(suggestions, "memory usage is elevated; check sandboxes for leaks")
	}
	if avgDiskBps > 50*1024*1024 {
		suggestions = append(suggestions, "disk io is high; reduce sandbox file churn or move to faster storage")
	}
	if avgSandboxes > 5 {
		suggestions = append(suggestions, "many sandboxes are active; let the adaptive config lower the concurrency ceiling")
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, "system performance looks healthy with the current configuration")
	}
	return suggestions
}

type exportPayload struct {
	SystemInfo SystemInfo          `json:"system_info"`
	Thresholds Thresholds          `json:"thresholds"`
	History    []PerformanceSample `json:"history"`
	ExportedAt time.Time           `json:"exported_at"`
}

// Export writes the retained history as zstd-compressed JSON.
func (m *SystemMonitor) Export(path string) error {
	payload := exportPayload{
		SystemInfo: m.info,
		Thresholds: m.thresholds,
		History:    m.History(),
		ExportedAt: time.Now(),
	}

	file, err := os.Create(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.ExportFailed, "create export file: %v", err)
	}
	defer file.Close()

	w, err := zstd.NewWriter(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.ExportFailed, "zstd writer: %v", err)
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_ = w.Close()
		return appErr.Wrapf(err, appErr.ExportFailed, "encode export: %v", err)
	}
	if err := w.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ExportFailed, "flush export: %v", err)
	}
	return nil
}
