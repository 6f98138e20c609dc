package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellofed/internal/config"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

type globalFlags struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "hellofed",
		Short:         "Entrega firmada de actividades federadas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.envFile != "" && fileExists(g.envFile) {
				_ = godotenv.Load(g.envFile)
			}
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("CONFIG_PATH"), "ruta a config.yaml (vacío: sólo env)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "ruta a .env (si existe, se carga)")

	root.AddCommand(
		newServeCmd(g),
		newKeysCmd(g),
		newDeliverCmd(g),
		newStatusCmd(),
		newEnqueueCmd(),
	)
	return root
}

// load lee la config e inicializa el logger global.
func (g *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.Load(g.configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
	return cfg, nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
