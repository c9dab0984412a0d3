package sensors

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
	"github.com/BANADDA/host-agent/telemetry"
)

type Config struct {
	NvidiaSMIPath string
	QueryTimeout  time.Duration
	StoragePath   string
	StorageType   string

	// Measured out-of-band; the agent only reports them.
	UploadMbps   float64
	DownloadMbps float64
	LatencyMs    float64
}

// Collector reads raw hardware state via nvidia-smi and the proc
// filesystem. It implements telemetry.Sensors.
type Collector struct {
	config Config
	logger lager.Logger
}

func NewCollector(logger lager.Logger, config Config) *Collector {
	if config.NvidiaSMIPath == "" {
		config.NvidiaSMIPath = "nvidia-smi"
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 10 * time.Second
	}
	if config.StoragePath == "" {
		config.StoragePath = "/"
	}

	return &Collector{
		config: config,
		logger: logger.Session("sensors"),
	}
}

// DiscoverGPUs enumerates the host's devices once at startup.
func (c *Collector) DiscoverGPUs() ([]hostagent.GPU, error) {
	rows, err := c.query("--query-gpu=uuid,name,memory.total,driver_version")
	if err != nil {
		return nil, err
	}

	cudaVersion := c.cudaVersion()

	gpus := make([]hostagent.GPU, 0, len(rows))
	for _, fields := range rows {
		if len(fields) < 4 {
			continue
		}
		gpus = append(gpus, hostagent.GPU{
			ID:            fields[0],
			Model:         fields[1],
			TotalMemoryMB: parseUint(fields[2]),
			DriverVersion: fields[3],
			CUDAVersion:   cudaVersion,
			Status:        hostagent.GPUStatusFree,
		})
	}

	return gpus, nil
}

func (c *Collector) GPUMetrics(gpuID string) (hostagent.GPUMetrics, error) {
	rows, err := c.query(
		"--query-gpu=utilization.gpu,memory.used,temperature.gpu,power.draw,fan.speed",
		"--id="+gpuID,
	)
	if err != nil {
		return hostagent.GPUMetrics{}, err
	}
	if len(rows) == 0 || len(rows[0]) < 5 {
		return hostagent.GPUMetrics{}, hostagent.NewError(hostagent.CodeTransientCommunication, "nvidia-smi returned no metrics for %s", gpuID)
	}

	fields := rows[0]
	return hostagent.GPUMetrics{
		GPUID:          gpuID,
		UtilizationPct: parseFloat(fields[0]),
		VRAMUsedMB:     parseUint(fields[1]),
		TemperatureC:   parseFloat(fields[2]),
		PowerDrawW:     parseFloat(fields[3]),
		FanSpeedPct:    parseFloat(fields[4]),
	}, nil
}

func (c *Collector) GPUHealth(gpuID string) (telemetry.GPUHealthReading, error) {
	rows, err := c.query(
		"--query-gpu=temperature.gpu,power.draw,fan.speed,ecc.errors.uncorrected.volatile.total",
		"--id="+gpuID,
	)
	if err != nil {
		// an unresponsive driver is itself a health signal
		return telemetry.GPUHealthReading{DriverResponsive: false}, nil
	}
	if len(rows) == 0 || len(rows[0]) < 4 {
		return telemetry.GPUHealthReading{DriverResponsive: false}, nil
	}

	fields := rows[0]
	return telemetry.GPUHealthReading{
		DriverResponsive: true,
		TemperatureC:     parseFloat(fields[0]),
		PowerDrawW:       parseFloat(fields[1]),
		FanSpeedPct:      parseFloat(fields[2]),
		ECCErrors:        int(parseUint(fields[3])),
	}, nil
}

func (c *Collector) HostMetrics() (hostagent.HostMetrics, error) {
	memTotal, memAvailable := readMeminfo()
	_, storageUsed := c.statStorage()

	return hostagent.HostMetrics{
		CPUUtilizationPct: readLoadPct(),
		RAMUsedMB:         (memTotal - memAvailable) / 1024,
		StorageUsedMB:     storageUsed,
		UploadMbps:        c.config.UploadMbps,
		DownloadMbps:      c.config.DownloadMbps,
		UptimeHours:       readUptimeHours(),
	}, nil
}

func (c *Collector) HostHealth() (telemetry.HostHealthReading, error) {
	storageTotal, storageUsed := c.statStorage()
	storageOK := storageTotal == 0 || storageUsed < storageTotal*95/100

	return telemetry.HostHealthReading{
		NetworkOK: true,
		StorageOK: storageOK,
	}, nil
}

func (c *Collector) Capabilities() (hostagent.HostCapabilities, error) {
	gpus, err := c.DiscoverGPUs()
	if err != nil {
		return hostagent.HostCapabilities{}, err
	}

	memTotal, _ := readMeminfo()
	storageTotal, _ := c.statStorage()

	return hostagent.HostCapabilities{
		GPUs:             gpus,
		CPUModel:         readCPUModel(),
		CPUCores:         runtime.NumCPU(),
		RAMTotalMB:       memTotal / 1024,
		StorageTotalMB:   storageTotal,
		StorageType:      c.config.StorageType,
		NetworkUpMbps:    c.config.UploadMbps,
		NetworkDownMbps:  c.config.DownloadMbps,
		NetworkLatencyMs: c.config.LatencyMs,
		UptimeHours:      readUptimeHours(),
	}, nil
}

func (c *Collector) query(args ...string) ([][]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.QueryTimeout)
	defer cancel()

	args = append(args, "--format=csv,noheader,nounits")
	out, err := exec.CommandContext(ctx, c.config.NvidiaSMIPath, args...).Output()
	if err != nil {
		return nil, hostagent.NewError(hostagent.CodeTransientCommunication, "nvidia-smi: %s", err)
	}

	rows := [][]string{}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		rows = append(rows, fields)
	}

	return rows, nil
}

func (c *Collector) cudaVersion() string {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.QueryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.config.NvidiaSMIPath).Output()
	if err != nil {
		return ""
	}

	const marker = "CUDA Version:"
	idx := strings.Index(string(out), marker)
	if idx < 0 {
		return ""
	}

	rest := strings.TrimSpace(string(out)[idx+len(marker):])
	return strings.Fields(rest)[0]
}

func (c *Collector) statStorage() (totalMB, usedMB uint64) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.config.StoragePath, &stat); err != nil {
		return 0, 0
	}

	block := uint64(stat.Bsize)
	total := stat.Blocks * block
	free := stat.Bavail * block

	return total / (1024 * 1024), (total - free) / (1024 * 1024)
}
