package service

import (
	"fmt"
	"strconv"
	"strings"

	"candy-panel/internal/model"
)

// Unavailable marks fleet metrics that no active server could supply.
const Unavailable = "unavailable"

const (
	FleetAllActive            = "All Active"
	FleetPartiallyUnreachable = "Partially Unreachable"
	FleetPartiallyErrored     = "Partially Errored"
	FleetMixedStatus          = "Mixed Status"
	FleetUnknown              = "Unknown"
)

// FleetSnapshot is the fleet-wide dashboard.
//
// CPU, Mem and Uptime have no meaningful sum. They are copied from a single
// representative server: the first in roster order that is active and has a
// cached snapshot. SampleServerID names it; when no server qualifies the
// fields hold Unavailable.
type FleetSnapshot struct {
	CPU            string         `json:"cpu"`
	Mem            model.MemStats `json:"mem"`
	Uptime         string         `json:"uptime"`
	SampleServerID *uint          `json:"sample_server_id"`

	ClientsCount int64          `json:"clients_count"`
	Status       string         `json:"status"`
	Alert        []string       `json:"alert"`
	Bandwidth    string         `json:"bandwidth"`
	Net          model.NetStats `json:"net"`

	Servers     int                        `json:"servers"`
	StatusCount map[model.ServerStatus]int `json:"status_count"`
}

// Aggregate folds the cached snapshots of servers into one fleet view. It never
// fails: unparsable per-server values contribute zero.
func Aggregate(servers []model.Server) FleetSnapshot {
	fleet := FleetSnapshot{
		CPU:         Unavailable,
		Mem:         model.MemStats{Total: Unavailable, Available: Unavailable, Usage: Unavailable},
		Uptime:      Unavailable,
		Alert:       []string{},
		Servers:     len(servers),
		StatusCount: make(map[model.ServerStatus]int),
	}

	var download, upload float64
	var bandwidth int64
	seenAlerts := make(map[string]struct{})
	sampled := false

	for i := range servers {
		s := &servers[i]
		fleet.StatusCount[s.Status]++

		snap := s.DashboardCache
		if snap == nil {
			continue
		}
		fleet.ClientsCount += int64(snap.ClientsCount)
		download += parseRate(snap.Net.Download)
		upload += parseRate(snap.Net.Upload)
		bandwidth += parseBytes(snap.Bandwidth.String())

		for _, a := range snap.Alert {
			if _, ok := seenAlerts[a]; ok {
				continue
			}
			seenAlerts[a] = struct{}{}
			fleet.Alert = append(fleet.Alert, a)
		}

		if !sampled && s.Status == model.ServerStatusActive {
			sampled = true
			id := s.ID
			fleet.SampleServerID = &id
			fleet.CPU = orUnavailable(snap.CPU)
			fleet.Mem = model.MemStats{
				Total:     orUnavailable(snap.Mem.Total),
				Available: orUnavailable(snap.Mem.Available),
				Usage:     orUnavailable(snap.Mem.Usage),
			}
			fleet.Uptime = orUnavailable(snap.Uptime.String())
		}
	}

	fleet.Net = model.NetStats{Download: formatRate(download), Upload: formatRate(upload)}
	fleet.Bandwidth = strconv.FormatInt(bandwidth, 10)
	fleet.Status = fleetStatus(servers)
	return fleet
}

// fleetStatus reports the worst member state first.
func fleetStatus(servers []model.Server) string {
	if len(servers) == 0 {
		return FleetUnknown
	}
	allActive := true
	hasError := false
	for _, s := range servers {
		switch s.Status {
		case model.ServerStatusUnreachable:
			return FleetPartiallyUnreachable
		case model.ServerStatusError:
			hasError = true
		}
		if s.Status != model.ServerStatusActive {
			allActive = false
		}
	}
	if hasError {
		return FleetPartiallyErrored
	}
	if allActive {
		return FleetAllActive
	}
	return FleetMixedStatus
}

// parseRate reads values such as "10 KB/s", "1.5MB/s" or "512" and returns KB/s.
func parseRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.' || s[end] == '-' && end == 0) {
		end++
	}
	value, err := strconv.ParseFloat(s[:end], 64)
	if err != nil || value < 0 {
		return 0
	}
	unit := strings.ToUpper(strings.TrimSpace(s[end:]))
	unit = strings.TrimSuffix(strings.TrimSuffix(unit, "/S"), "PS")
	switch unit {
	case "B":
		return value / 1024
	case "MB":
		return value * 1024
	case "GB":
		return value * 1024 * 1024
	default:
		return value
	}
}

func formatRate(kb float64) string {
	return fmt.Sprintf("%.2f KB/s", kb)
}

func parseBytes(s string) int64 {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return int64(f)
	}
	return 0
}

func orUnavailable(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unavailable
	}
	return s
}
