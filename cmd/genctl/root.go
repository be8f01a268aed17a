package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"visualgen/internal/bootstrap"
	"visualgen/internal/infra"
	"visualgen/internal/session"
)

// cli carries the services shared by every subcommand.
type cli struct {
	cfg      *infra.Config
	logger   infra.Logger
	services *bootstrap.Services
	manager  *session.Manager
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	root := &cobra.Command{
		Use:          "genctl",
		Short:        "Generate, watch and retry product visual jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.AddCommand(newGenerateCmd(c), newWatchCmd(c), newRetryCmd(c))
	return root, c
}

func (c *cli) setup(cmd *cobra.Command) error {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	services, err := bootstrap.New(cmd.Context(), cfg, "genctl", &c.logger)
	if err != nil {
		return err
	}
	c.services = services
	c.manager = session.NewManager(services.Tracker, session.Options{
		Journal: services.Journal,
		Logger:  &c.logger,
	})
	return nil
}

// teardown runs after every command, including failed ones.
func (c *cli) teardown() {
	if c.manager != nil {
		c.manager.Close()
	}
	if c.services != nil {
		c.services.Close()
	}
}
