// Package sysinfo is the built-in plugin that reports host metrics. It
// exercises both response paths: inline JSON and staged file reports.
package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/plugin"
	"github.com/mattjoyce/ahenk/internal/protocol"
)

const (
	Name    = "sysinfo"
	Version = "1.0.0"

	CmdHostInfo      = "host_info"
	CmdCollectReport = "collect_report"
)

// Snapshot is a point-in-time view of the host.
type Snapshot struct {
	Hostname    string  `json:"hostname"`
	Platform    string  `json:"platform"`
	PlatformVer string  `json:"platformVer"`
	Kernel      string  `json:"kernel"`
	UptimeSec   uint64  `json:"uptime_sec"`
	BootTime    string  `json:"boot_time"`
	MemTotal    uint64  `json:"mem_total"`
	MemUsed     uint64  `json:"mem_used"`
	MemUsedPct  float64 `json:"mem_used_pct"`
	Load1       float64 `json:"load1"`
	Load5       float64 `json:"load5"`
	Load15      float64 `json:"load15"`
}

// Collector gathers a Snapshot.
type Collector func(ctx context.Context) (*Snapshot, error)

// Collect reads host metrics through gopsutil.
func Collect(ctx context.Context) (*Snapshot, error) {
	hInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory info: %w", err)
	}
	ld, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load info: %w", err)
	}
	return &Snapshot{
		Hostname:    hInfo.Hostname,
		Platform:    hInfo.Platform,
		PlatformVer: hInfo.PlatformVersion,
		Kernel:      hInfo.KernelVersion,
		UptimeSec:   hInfo.Uptime,
		BootTime:    time.Unix(int64(hInfo.BootTime), 0).UTC().Format(time.RFC3339),
		MemTotal:    vm.Total,
		MemUsed:     vm.Used,
		MemUsedPct:  vm.UsedPercent,
		Load1:       ld.Load1,
		Load5:       ld.Load5,
		Load15:      ld.Load15,
	}, nil
}

type module struct {
	collect Collector
	logger  *slog.Logger
}

// New builds the sysinfo plugin. A nil collector uses Collect.
func New(collect Collector, logger *slog.Logger) *plugin.Plugin {
	if collect == nil {
		collect = Collect
	}
	m := &module{collect: collect, logger: logger}
	return &plugin.Plugin{
		Name:        Name,
		Version:     Version,
		Description: "Host metrics and system reports",
		Commands: map[string]dispatch.TaskHandler{
			CmdHostInfo:      dispatch.TaskHandlerFunc(m.hostInfo),
			CmdCollectReport: dispatch.TaskHandlerFunc(m.collectReport),
		},
		Policy: dispatch.PolicyHandlerFunc(m.policy),
		Modes: map[protocol.ModeKind]dispatch.ModeHandler{
			protocol.ModeLogin: dispatch.ModeHandlerFunc(m.login),
		},
	}
}

func (m *module) hostInfo(ctx context.Context, _ map[string]any, ec *dispatch.Context) error {
	snap, err := m.collect(ctx)
	if err != nil {
		ec.CreateResponse(protocol.TaskError, err.Error(), nil, protocol.ApplicationJSON)
		return nil
	}
	ec.CreateResponse(protocol.TaskProcessed, "host info collected", snap, protocol.ApplicationJSON)
	return nil
}

// collectReport stages a plain-text report and answers with its content hash
// so the response builder uploads it to the task's file server.
func (m *module) collectReport(ctx context.Context, params map[string]any, ec *dispatch.Context) error {
	snap, err := m.collect(ctx)
	if err != nil {
		ec.CreateResponse(protocol.TaskError, err.Error(), nil, protocol.ApplicationJSON)
		return nil
	}
	staging := ec.Staging()
	if staging == nil {
		return fmt.Errorf("staging area is not configured")
	}

	hash, err := staging.Ingest(func(w io.Writer) error {
		return writeReport(w, snap, params)
	})
	if err != nil {
		return fmt.Errorf("stage report: %w", err)
	}
	ec.CreateResponse(protocol.TaskProcessed, "report collected", protocol.FileEnvelope{MD5: hash}, protocol.TextPlain)
	return nil
}

func writeReport(w io.Writer, snap *Snapshot, params map[string]any) error {
	lines := []struct {
		k string
		v any
	}{
		{"hostname", snap.Hostname},
		{"platform", snap.Platform + " " + snap.PlatformVer},
		{"kernel", snap.Kernel},
		{"uptime", time.Duration(snap.UptimeSec) * time.Second},
		{"boot_time", snap.BootTime},
		{"memory", fmt.Sprintf("%d/%d bytes (%.1f%%)", snap.MemUsed, snap.MemTotal, snap.MemUsedPct)},
		{"load", fmt.Sprintf("%.2f %.2f %.2f", snap.Load1, snap.Load5, snap.Load15)},
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%-10s %v\n", l.k, l.v); err != nil {
			return err
		}
	}

	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "param.%s %v\n", k, params[k]); err != nil {
			return err
		}
	}
	return nil
}

// policy accepts the profile data and echoes back what was applied.
func (m *module) policy(_ context.Context, data map[string]any, ec *dispatch.Context) error {
	applied, err := json.Marshal(map[string]any{
		"username": ec.Username(),
		"keys":     len(data),
	})
	if err != nil {
		return err
	}
	ec.CreateResponse(protocol.PolicyProcessed, "profile applied", applied, protocol.ApplicationJSON)
	return nil
}

func (m *module) login(_ context.Context, ec *dispatch.Context) error {
	m.logger.Info("user logged in", "username", ec.Username())
	return nil
}
