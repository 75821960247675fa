package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/raskyld/pcf"
	"github.com/raskyld/pcf/internal/daemon"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to bind (overrides config)")
	serveCmd.Flags().StringVar(&serveName, "name", "", "instance name to advertise (overrides config)")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "transport kind, reliable or proximity-wireless (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost      string
	servePort      int
	serveName      string
	serveTransport string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	// graceful shutdown on CTRL+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Serve(ctx)
}

// loadConfig reads the configuration file and applies the flags over it.
func loadConfig() (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if serveHost != "" {
		cfg.Fabric.Host = serveHost
	}
	if servePort > 0 {
		cfg.Fabric.Port = servePort
	}
	if serveName != "" {
		cfg.Name = serveName
	}
	if serveTransport != "" {
		cfg.Fabric.Plugins.Transport = pcf.Kind(serveTransport)
	}
	return cfg, nil
}
