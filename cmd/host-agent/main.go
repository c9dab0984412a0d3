package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerflags"
	"code.cloudfoundry.org/workpool"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
	"github.com/tedsuo/ifrit/sigmon"

	"github.com/BANADDA/host-agent/cmd/host-agent/config"
	"github.com/BANADDA/host-agent/commandprocessor"
	"github.com/BANADDA/host-agent/controlplane"
	"github.com/BANADDA/host-agent/dockerruntime"
	"github.com/BANADDA/host-agent/event"
	"github.com/BANADDA/host-agent/guidgen"
	"github.com/BANADDA/host-agent/inventory"
	"github.com/BANADDA/host-agent/orchestrator"
	"github.com/BANADDA/host-agent/sensors"
	"github.com/BANADDA/host-agent/store"
	"github.com/BANADDA/host-agent/sweeper"
	"github.com/BANADDA/host-agent/telemetry"
)

var configPath = flag.String(
	"config",
	"",
	"path to the agent config file",
)

func main() {
	flag.Parse()

	agentConfig, err := config.NewAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	logger, _ := lagerflags.NewFromConfig("host-agent", agentConfig.LagerConfig)
	clk := clock.NewClock()

	rentalStore, err := store.NewStore(logger, agentConfig.DatabasePath, clk)
	if err != nil {
		logger.Fatal("failed-initializing-store", err)
	}
	defer rentalStore.Close()

	collector := sensors.NewCollector(logger, sensors.Config{
		NvidiaSMIPath: agentConfig.NvidiaSMIPath,
		StoragePath:   agentConfig.StoragePath,
		StorageType:   agentConfig.StorageType,
		UploadMbps:    agentConfig.UploadMbps,
		DownloadMbps:  agentConfig.DownloadMbps,
		LatencyMs:     agentConfig.LatencyMs,
	})

	gpus, err := collector.DiscoverGPUs()
	if err != nil {
		logger.Fatal("failed-discovering-gpus", err)
	}
	logger.Info("discovered-gpus", lager.Data{"num-gpus": len(gpus)})

	tracker := inventory.NewTracker(gpus)

	runtime, err := dockerruntime.NewRuntime(logger, dockerruntime.Config{
		Host: agentConfig.DockerHost,
	})
	if err != nil {
		logger.Fatal("failed-initializing-docker-runtime", err)
	}

	hub := event.NewHub()
	defer hub.Close()

	workPool, err := workpool.NewWorkPool(agentConfig.MaxContainerOperations)
	if err != nil {
		logger.Fatal("failed-creating-work-pool", err)
	}
	defer workPool.Stop()

	orch := orchestrator.New(
		logger,
		orchestrator.Config{
			HostID:            agentConfig.HostID,
			PublicHost:        agentConfig.PublicHost,
			StartRetries:      agentConfig.StartRetries,
			StopRetries:       agentConfig.StopRetries,
			RetryBackoff:      time.Duration(agentConfig.RetryBackoff),
			ReadinessTimeout:  time.Duration(agentConfig.ReadinessTimeout),
			ReadinessInterval: time.Duration(agentConfig.ReadinessInterval),
		},
		tracker,
		rentalStore,
		runtime,
		hub,
		workPool,
		clk,
		guidgen.DefaultGenerator,
	)

	// Resolve anything left over from the previous run before any loop
	// observes or mutates state.
	if err := orch.Reconcile(); err != nil {
		logger.Error("reconciliation-incomplete", err)
	}

	planeConfig := controlplane.Config{
		BaseURL:      agentConfig.ServerURL,
		WebSocketURL: agentConfig.WebSocketURL,
		APIKey:       agentConfig.APIKey,
		HostID:       agentConfig.HostID,
	}
	plane := controlplane.NewClient(logger, planeConfig)

	members := grouper.Members{
		{Name: "registrar", Runner: telemetry.NewRegistrar(
			logger, agentConfig.HostID, time.Duration(agentConfig.RegistrationRetry), collector, plane, clk)},
		{Name: "status-streamer", Runner: controlplane.NewStatusStreamer(logger, planeConfig, hub, clk)},
		{Name: "command-processor", Runner: commandprocessor.NewProcessor(
			logger, time.Duration(agentConfig.CommandPollInterval), plane, rentalStore, orch, clk)},
		{Name: "expiration-sweeper", Runner: sweeper.NewSweeper(
			logger, time.Duration(agentConfig.SweepInterval), rentalStore, orch, clk)},
		{Name: "metrics-reporter", Runner: telemetry.NewMetricsReporter(
			logger, agentConfig.HostID, time.Duration(agentConfig.MetricsInterval), tracker, collector, rentalStore, plane, clk)},
		{Name: "health-reporter", Runner: telemetry.NewHealthReporter(
			logger, time.Duration(agentConfig.HealthInterval), tracker, collector, rentalStore, plane, nil, nil, clk)},
		{Name: "heartbeater", Runner: telemetry.NewHeartbeater(
			logger, time.Duration(agentConfig.HeartbeatInterval), plane, clk)},
		{Name: "telemetry-pruner", Runner: rentalStore.Pruner(
			logger, time.Duration(agentConfig.PruneInterval), time.Duration(agentConfig.TelemetryRetention))},
	}

	group := grouper.NewOrdered(os.Interrupt, members)
	monitor := ifrit.Invoke(sigmon.New(group))

	logger.Info("started", lager.Data{"host-id": agentConfig.HostID})

	err = <-monitor.Wait()
	if err != nil {
		logger.Error("exited-with-failure", err)
		os.Exit(1)
	}

	logger.Info("exited")
}
