package cli

import (
	"fmt"

	"github.com/raskyld/pcf"
	"github.com/raskyld/pcf/internal/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without binding anything",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	err = multierr.Append(d.Fabric.ValidateConfig(), d.Fabric.Shutdown())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: %s on port %d\n",
		kindOrDefault(cfg.Fabric.Plugins.Transport), cfg.Fabric.Port)
	return nil
}

func kindOrDefault(kind pcf.Kind) pcf.Kind {
	if kind == "" {
		return pcf.KindReliable
	}
	return kind
}
