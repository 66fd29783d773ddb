// Command zfldevice starts a ZeroMQ queue, forwarder, or streamer device
// from a configuration file, or automagically from a device type and two
// endpoints — the modern equivalent of the original library's zdevice.c,
// wired to a single cobra root command instead of hand-rolled argc/argv
// dispatch.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zfl-go/zfl/device"
	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/proptree"
)

const defaultConfigPath = "zdevice.cfg"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zfldevice:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		frontend   string
		backend    string
		devType    string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "zfldevice [config]",
		Short: "Start a 0MQ queue, forwarder, or streamer device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				configPath = args[0]
			}
			if env := os.Getenv("ZFL_CONFIG"); env != "" && configPath == defaultConfigPath {
				configPath = env
			}
			if os.Getenv("ZFL_VERBOSE") == "1" {
				verbose = true
			}

			log := newLogger(verbose)
			defer log.Sync()

			ctx := fabric.NewContext(1)

			var h *device.Handle
			var err error
			if devType != "" {
				h, err = device.LaunchAutomagic(ctx, device.Type(devType), frontend, backend)
			} else {
				root, loadErr := loadConfig(configPath)
				if loadErr != nil {
					return loadErr
				}
				h, err = device.Launch(ctx, root, log)
			}
			if err != nil {
				return err
			}

			waitForSignal()
			h.Stop()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&devType, "type", "", "device type (zmq_queue, zmq_forwarder, zmq_streamer) for automagic bring-up")
	flags.StringVar(&frontend, "frontend", "", "frontend endpoint (automagic bring-up)")
	flags.StringVar(&backend, "backend", "", "backend endpoint (automagic bring-up)")
	flags.BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	configPath = defaultConfigPath

	return cmd
}

func loadConfig(path string) (*proptree.Node, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("zfldevice: read config %s: %w", path, err)
	}
	root, err := proptree.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("zfldevice: parse config %s: %w", path, err)
	}
	return root, nil
}

func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
