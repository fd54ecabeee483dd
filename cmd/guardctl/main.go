// Command guardctl checks guard configuration files and runs single
// evaluations against them without starting the server.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/baseline"
	"github.com/agentgateway/agentgateway-sub001/internal/config"
	"github.com/agentgateway/agentgateway-sub001/internal/guard/native"
	"github.com/agentgateway/agentgateway-sub001/internal/registry"
)

var verbose bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "guardctl",
		Short:         "Validate guard configs and evaluate payloads offline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log guard activity to stderr")
	root.AddCommand(newValidateCmd())
	root.AddCommand(newEvalCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// buildRegistry loads path and constructs its guards with in-memory baselines.
func buildRegistry(path string, logger *zap.Logger) (*registry.Registry, error) {
	specs, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return registry.Build(specs, registry.Deps{
		Native: native.Deps{Baselines: baseline.NewMemoryStore(), Logger: logger},
		Logger: logger,
	})
}
