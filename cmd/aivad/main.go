package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/polunzh/aiva/internal/orchestrator"
	"github.com/polunzh/aiva/internal/orchestrator/portledger"
	"github.com/polunzh/aiva/internal/platform"
	"github.com/polunzh/aiva/internal/platform/linux"
	"github.com/polunzh/aiva/internal/platform/nested"
	"github.com/polunzh/aiva/internal/server/app"
	"github.com/polunzh/aiva/internal/server/config"
	"github.com/polunzh/aiva/internal/server/eventbus/memory"
	"github.com/polunzh/aiva/internal/server/httpapi"
	"github.com/polunzh/aiva/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("aivad")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	userConfigPath := filepath.Join(cfg.HomeDir, "config.yaml")
	userConfig, err := config.LoadUserConfig(userConfigPath)
	if err != nil {
		logger.Error("load config.yaml", "path", userConfigPath, "error", err)
		os.Exit(1)
	}
	baseImage := userConfig.GetString(config.KeyRootFSBasePath, filepath.Join(cfg.HomeDir, "images", "base.rootfs.ext4"))

	registry, err := orchestrator.NewRegistry(cfg.InstancesDir)
	if err != nil {
		logger.Error("open instance registry", "error", err)
		os.Exit(1)
	}

	ledger, err := portledger.Open(cfg.PortLedgerPath)
	if err != nil {
		logger.Error("open port ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	driver, driverName, err := selectPlatform(ctx, cfg, userConfig, baseImage)
	if err != nil {
		logger.Error("select platform driver", "error", err)
		os.Exit(1)
	}
	if err := driver.EnsureHostReady(ctx); err != nil {
		logger.Error("ensure host ready", "driver", driverName, "error", err)
		os.Exit(1)
	}
	logger.Info("platform driver ready", "driver", driverName)

	bus := memory.New()

	engine, err := orchestrator.New(orchestrator.Params{
		HomeDir:  cfg.HomeDir,
		Registry: registry,
		PortLedger: ledger,
		Driver:   driver,
		Platform: driverName,
		Events:   bus,
	})
	if err != nil {
		logger.Error("init orchestrator", "error", err)
		os.Exit(1)
	}

	handler := httpapi.New(logger, engine, bus, userConfig)

	daemon, err := app.New(cfg, logger, engine, handler)
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}

// selectPlatform probes the Linux-direct driver, then the nested macOS and
// Windows helper-VM drivers, in that order — the order SPEC_FULL.md's
// selector paragraph describes: prefer native virtualization, fall back to
// a nested Linux guest only when the host itself can't run Firecracker
// directly.
func selectPlatform(ctx context.Context, cfg config.ServerConfig, userConfig *config.UserConfig, baseImage string) (platform.Driver, string, error) {
	linuxDriver := linux.NewDriver(
		cfg.FirecrackerBinary,
		cfg.RuntimeDir,
		cfg.LogDir,
		cfg.BridgeName,
		baseImage,
		filepath.Join(cfg.HomeDir, "images"),
	)

	helper, ok := userConfig.NestedHelper()
	if !ok {
		helper = config.NestedHelperConfig{Name: "aiva-host", Provider: "lima"}
	}

	candidates := []platform.Candidate{
		{Name: "linux-direct", Driver: linuxDriver},
	}
	switch helper.Provider {
	case "wsl":
		// helper.Name names the WSL distro to use (e.g. "Ubuntu"); empty
		// lets WSLVM.EnsureRunning resolve one itself.
		candidates = append(candidates, platform.Candidate{Name: "nested-wsl", Driver: nested.NewWindowsDriver(helper.Name)})
	default:
		// NewMacOSDriver takes a Lima config YAML path, not an instance
		// name — the Lima instance itself is always named "aiva-host"
		// (see nested.defaultLimaInstance). Nothing in config.yaml
		// currently supplies a custom Lima template, so this is empty
		// until that's added.
		candidates = append(candidates, platform.Candidate{Name: "nested-macos", Driver: nested.NewMacOSDriver("")})
	}

	driver, err := platform.Select(ctx, candidates)
	if err != nil {
		return nil, "", err
	}
	for _, c := range candidates {
		if c.Driver == driver {
			return driver, c.Name, nil
		}
	}
	return driver, "unknown", nil
}
