package system

import (
	"context"
	"net"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	// Version is set at compile time from the current git tag.
	Version = "develop"
)

type Information struct {
	Version string `json:"version"`
	System  System `json:"system"`
}

type System struct {
	Architecture  string `json:"architecture"`
	CPUThreads    int    `json:"cpu_threads"`
	CPUModel      string `json:"cpu_model"`
	MemoryBytes   uint64 `json:"memory_bytes"`
	KernelVersion string `json:"kernel_version"`
	OS            string `json:"os"`
	OSType        string `json:"os_type"`
	Hostname      string `json:"hostname"`
}

type IpAddresses struct {
	IpAddresses []string `json:"ip_addresses"`
}

type Utilization struct {
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
	LoadAvg1    float64 `json:"load_average1"`
	LoadAvg5    float64 `json:"load_average5"`
	LoadAvg15   float64 `json:"load_average15"`
	CpuPercent  float64 `json:"cpu_percent"`
}

func GetSystemInformation(ctx context.Context) (*Information, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}

	m, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var cpuModel string
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		cpuModel = strings.TrimSpace(infos[0].ModelName)
	}

	return &Information{
		Version: Version,
		System: System{
			Architecture:  runtime.GOARCH,
			CPUThreads:    runtime.NumCPU(),
			CPUModel:      cpuModel,
			MemoryBytes:   m.Total,
			KernelVersion: hi.KernelVersion,
			OS:            hi.Platform,
			OSType:        runtime.GOOS,
			Hostname:      hi.Hostname,
		},
	}, nil
}

func GetSystemIps() ([]string, error) {
	var ipAddrs []string
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range ifaceAddrs {
		ipNet, valid := addr.(*net.IPNet)
		if valid && !ipNet.IP.IsLoopback() && !ipNet.IP.IsLinkLocalUnicast() {
			ipAddrs = append(ipAddrs, ipNet.IP.String())
		}
	}
	return ipAddrs, nil
}

func GetSystemUtilization(ctx context.Context) (*Utilization, error) {
	c, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	m, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	s, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	l, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, err
	}

	return &Utilization{
		MemoryTotal: m.Total,
		MemoryUsed:  m.Used,
		SwapTotal:   s.Total,
		SwapUsed:    s.Used,
		CpuPercent:  c[0],
		LoadAvg1:    l.Load1,
		LoadAvg5:    l.Load5,
		LoadAvg15:   l.Load15,
	}, nil
}
