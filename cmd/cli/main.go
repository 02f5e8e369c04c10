// Command ts is a terminal client for the techstore marketplace.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/techstore/internal/app"
	"github.com/and161185/techstore/internal/config"
	"github.com/and161185/techstore/internal/errs"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// cli carries what every subcommand needs once the root pre-run has loaded it.
type cli struct {
	v       *viper.Viper
	cfgPath string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "ts",
		Short: "techstore marketplace client",
		Long: `A terminal client for the techstore marketplace: keep a shopping cart
and talk to sellers in real time.`,
		Example: `  # Authenticate
  $ ts login -u alice -p secret

  # Put a product into the cart and look at it
  $ ts cart add 64b7f0c2e4b0a1a2b3c4d5e6
  $ ts cart show

  # Open a conversation
  $ ts chat open 64b7f0c2e4b0a1a2b3c4d5e7`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.v, c.cfgPath)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			c.cfg, c.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "config file (default $XDG_CONFIG_HOME/techstore/config.yaml)")
	pf.String("api-url", "", "marketplace API base URL")
	pf.String("storage", "", "slot storage driver: file, postgres or redis")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.Bool("dev", false, "human-readable development logging")
	for key, flag := range map[string]string{
		"api.url":        "api-url",
		"storage.driver": "storage",
		"log.level":      "log-level",
		"log.dev":        "dev",
	} {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		c.versionCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.profileCmd(),
		c.cartCmd(),
		c.chatCmd(),
		c.migrateCmd(),
	)
	return root
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the client version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ts %s (%s)\n", version, buildDate)
		},
	}
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// openApp builds the composition root for one command run.
func (c *cli) openApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, c.cfg, c.log)
}

// flushNotices prints the notices raised while the command ran.
func flushNotices(w io.Writer, a *app.App) {
	for _, n := range a.Toaster.Active() {
		fmt.Fprintln(w, noticeStyle(n.Variant).Render(fmt.Sprintf("[%s] %s", n.Variant, n.Text)))
		a.Toaster.Dismiss(n.ID)
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// main runs the command tree. A termination signal cancels the command context
// and counts as the end of the hosting session.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// requireUser fails unless the restored session has a user.
func requireUser(a *app.App) error {
	if _, ok := a.Auth.CurrentUser(); !ok {
		return fmt.Errorf("%w: run 'ts login' first", errs.ErrUnauthorized)
	}
	return nil
}
