package agent

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"candy-panel/internal/model"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

type HostSample struct {
	CPUPercent   float64
	MemTotal     uint64
	MemAvailable uint64
	MemPercent   float64
	Uptime       uint64
	BytesRecv    uint64
	BytesSent    uint64
}

// HostSampler reads host counters.
type HostSampler interface {
	Sample(ctx context.Context) (HostSample, error)
}

type systemSampler struct{}

func (systemSampler) Sample(ctx context.Context) (HostSample, error) {
	var s HostSample

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, fmt.Errorf("cpu: %w", err)
	}
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("memory: %w", err)
	}
	s.MemTotal, s.MemAvailable, s.MemPercent = vm.Total, vm.Available, vm.UsedPercent

	if s.Uptime, err = host.UptimeWithContext(ctx); err != nil {
		return s, fmt.Errorf("uptime: %w", err)
	}

	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return s, fmt.Errorf("net: %w", err)
	}
	if len(counters) > 0 {
		s.BytesRecv, s.BytesSent = counters[0].BytesRecv, counters[0].BytesSent
	}
	return s, nil
}

// rateMeter turns cumulative interface counters into per-second rates.
type rateMeter struct {
	mu   sync.Mutex
	recv uint64
	sent uint64
	at   time.Time
}

func (m *rateMeter) observe(recv, sent uint64, now time.Time) (downKB, upKB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.at.IsZero() && now.After(m.at) && recv >= m.recv && sent >= m.sent {
		secs := now.Sub(m.at).Seconds()
		downKB = float64(recv-m.recv) / 1024 / secs
		upKB = float64(sent-m.sent) / 1024 / secs
	}
	m.recv, m.sent, m.at = recv, sent, now
	return downKB, upKB
}

const gb = 1024 * 1024 * 1024

func (a *Agent) snapshot(ctx context.Context) (*model.DashboardSnapshot, error) {
	sample, err := a.sampler.Sample(ctx)
	if err != nil {
		return nil, err
	}
	down, up := a.rates.observe(sample.BytesRecv, sample.BytesSent, time.Now())

	return &model.DashboardSnapshot{
		CPU: fmt.Sprintf("%.1f%%", sample.CPUPercent),
		Mem: model.MemStats{
			Total:     fmt.Sprintf("%.2f GB", float64(sample.MemTotal)/gb),
			Available: fmt.Sprintf("%.2f GB", float64(sample.MemAvailable)/gb),
			Usage:     fmt.Sprintf("%.1f%%", sample.MemPercent),
		},
		ClientsCount: model.FlexInt(a.store.ClientCount()),
		Status:       "1",
		Alert:        model.StringList(a.store.Alerts()),
		Bandwidth:    model.FlexString(strconv.FormatInt(a.store.TotalTraffic(), 10)),
		Uptime:       model.FlexString(strconv.FormatUint(sample.Uptime, 10)),
		Net: model.NetStats{
			Download: fmt.Sprintf("%.2f KB/s", down),
			Upload:   fmt.Sprintf("%.2f KB/s", up),
		},
	}, nil
}
