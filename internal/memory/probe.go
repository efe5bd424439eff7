package memory

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// SystemStats 主机内存采样。
type SystemStats struct {
	Total      uint64
	Available  uint64
	ProcessRSS uint64
}

// Usage 返回主机内存占用比例。
func (s SystemStats) Usage() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Total-min(s.Available, s.Total)) / float64(s.Total)
}

// DeviceStats 单块加速卡的显存采样。
type DeviceStats struct {
	Index int
	Total uint64
	Free  uint64
}

// Usage 返回显存占用比例。
func (d DeviceStats) Usage() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Total-min(d.Free, d.Total)) / float64(d.Total)
}

// SystemSampler 采样主机内存。
type SystemSampler interface {
	Sample(ctx context.Context) (SystemStats, error)
}

// DeviceProbe 采样加速卡显存。没有加速卡时返回空列表。
type DeviceProbe interface {
	Devices(ctx context.Context) ([]DeviceStats, error)
}

// HostProbe 通过 /proc 采样主机内存与本进程 RSS。
type HostProbe struct {
	fs procfs.FS
}

// NewHostProbe 使用默认挂载点 /proc。
func NewHostProbe() (*HostProbe, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("[memory] 打开 /proc 失败: %w", err)
	}
	return &HostProbe{fs: fs}, nil
}

// Sample 实现 SystemSampler。
func (p *HostProbe) Sample(ctx context.Context) (SystemStats, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return SystemStats{}, fmt.Errorf("[memory] 读取 meminfo 失败: %w", err)
	}
	if mi.MemTotal == nil {
		return SystemStats{}, fmt.Errorf("[memory] meminfo 缺少 MemTotal")
	}
	stats := SystemStats{Total: *mi.MemTotal * 1024}
	switch {
	case mi.MemAvailable != nil:
		stats.Available = *mi.MemAvailable * 1024
	case mi.MemFree != nil:
		stats.Available = *mi.MemFree * 1024
	}

	if self, err := p.fs.Self(); err == nil {
		if st, err := self.Stat(); err == nil {
			stats.ProcessRSS = uint64(st.ResidentMemory())
		}
	}
	return stats, nil
}

// NvidiaSMIProbe 通过 nvidia-smi 采样显存。
type NvidiaSMIProbe struct {
	Binary string
}

// Devices 实现 DeviceProbe。
func (p NvidiaSMIProbe) Devices(ctx context.Context) ([]DeviceStats, error) {
	bin := p.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	cmd := exec.CommandContext(ctx, bin, "--query-gpu=index,memory.total,memory.free", "--format=csv,noheader,nounits")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("[memory] nvidia-smi 执行失败: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMI(stdout.String())
}

// parseNvidiaSMI 解析 "index, total MiB, free MiB" 形式的 CSV 输出。
func parseNvidiaSMI(out string) ([]DeviceStats, error) {
	var devices []DeviceStats
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("[memory] 无法解析 nvidia-smi 输出: %q", line)
		}
		var nums [3]uint64
		for i, f := range fields {
			v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("[memory] 无法解析 nvidia-smi 字段 %q: %w", f, err)
			}
			nums[i] = v
		}
		devices = append(devices, DeviceStats{
			Index: int(nums[0]),
			Total: nums[1] << 20,
			Free:  nums[2] << 20,
		})
	}
	return devices, nil
}

// NoDevices 没有加速卡的探针。
type NoDevices struct{}

// Devices 实现 DeviceProbe。
func (NoDevices) Devices(context.Context) ([]DeviceStats, error) { return nil, nil }

// FreeBytes 返回目标设备的可用字节数：device 为 nil 时取主机可用内存。
func FreeBytes(ctx context.Context, system SystemSampler, devices DeviceProbe, device *int) (uint64, error) {
	if device == nil {
		stats, err := system.Sample(ctx)
		if err != nil {
			return 0, err
		}
		return stats.Available, nil
	}
	list, err := devices.Devices(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range list {
		if d.Index == *device {
			return d.Free, nil
		}
	}
	return 0, fmt.Errorf("[memory] 找不到加速卡 %d", *device)
}
