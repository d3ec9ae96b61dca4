// Package cli implements the forgectl command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/forge/internal/client"
)

const defaultAPIURL = "http://localhost:8080"

// app carries the state shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfgFile string
}

// NewRootCommand builds the forgectl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "forgectl",
		Short: "A CLI to interact with a forge coordinator",
		Long:  `forgectl submits tasks to a forge coordinator and inspects tasks, workers and cluster health.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.forgectl.yaml)")
	root.PersistentFlags().StringP("api-url", "a", defaultAPIURL, "base URL of the forge API")
	root.PersistentFlags().String("token", "", "bearer token for the forge API")
	_ = a.v.BindPFlag("api_url", root.PersistentFlags().Lookup("api-url"))
	_ = a.v.BindPFlag("token", root.PersistentFlags().Lookup("token"))

	root.AddCommand(
		a.submitCmd(),
		a.taskCmd(),
		a.statusCmd(),
		a.workersCmd(),
		a.tokenCmd(),
	)
	return root
}

// Execute runs forgectl with the process arguments.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) initConfig(stderr io.Writer) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".forgectl")
	}

	a.v.SetDefault("api_url", defaultAPIURL)
	a.v.SetEnvPrefix("FORGECTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}
	fmt.Fprintln(stderr, "Using config file:", a.v.ConfigFileUsed())
	return nil
}

func (a *app) client() *client.Client {
	return client.New(a.v.GetString("api_url"), a.v.GetString("token"))
}
