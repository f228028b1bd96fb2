package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
}

// BotFlags holds flags describing the supervised bot client
type BotFlags struct {
	Name     string
	Command  string
	WorkDir  string
	LockPath string
	Grace    time.Duration
	Retries  int
}

// buildRoot creates the root command
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	botFlags := &BotFlags{}

	c := command{global: globalFlags, bot: botFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(c, botFlags),
		createStopCommand(c, botFlags),
		createKillCommand(c, botFlags),
		createRestartCommand(c, botFlags),
		createFindCommand(c, botFlags),
		createStatusCommand(c, botFlags),
		createResetCommand(c),
		createCheckCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botlock",
		Short: "Single-instance supervisor for long-polling Telegram bots",
		Long: `Botlock guarantees that exactly one instance of a long-polling bot
client runs at a time. It stops stragglers, waits for the remote API to
release its server-side session, takes an exclusive lock and only then
launches the client, restarting it when a getUpdates conflict appears.

Examples:
  botlock start --name=mybot --command="python bot.py"
  botlock start --config=botlock.toml
  botlock find --command="python bot.py"
  botlock stop --command="python bot.py"`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	return root
}

func addBotFlags(cmd *cobra.Command, f *BotFlags) {
	cmd.Flags().StringVar(&f.Name, "name", "", "bot name (default \"bot\")")
	cmd.Flags().StringVar(&f.Command, "command", "", "bot client command line")
	cmd.Flags().StringVar(&f.LockPath, "lock", "", "lock file path (default run/<name>.lock)")
	cmd.Flags().DurationVar(&f.Grace, "grace", 5*time.Second, "time between SIGTERM and SIGKILL")
}

// createStartCommand creates the start subcommand
func createStartCommand(c command, f *BotFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Stop stragglers, take the lock and run the bot client",
		Long: `Run the full supervision cycle in the foreground: terminate every
process matching the bot command line, wait for the remote session to
settle, acquire the single-instance lock and launch the client.
Exits non-zero when another live holder keeps the lock after the retry
budget is spent.

Examples:
  botlock start --name=mybot --command="python bot.py"
  botlock start --config=botlock.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start()
		},
	}
	addBotFlags(cmd, f)
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory for the bot client")
	cmd.Flags().IntVar(&f.Retries, "retries", 3, "conflict recoveries before giving up")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c command, f *BotFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop every matching bot instance",
		Long: `Terminate every process whose command line matches the bot signature:
SIGTERM first, SIGKILL after the grace period. Succeeds when nothing
matched; fails when an instance resists or belongs to another user.

Examples:
  botlock stop --command="python bot.py"
  botlock stop --config=botlock.toml --grace=10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(false)
		},
	}
	addBotFlags(cmd, f)
	return cmd
}

// createKillCommand creates the kill subcommand
func createKillCommand(c command, f *BotFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Forcefully kill every matching bot instance",
		Long: `Send SIGKILL to every process matching the bot signature, skipping
the graceful phase. Best effort: always exits zero.

Example:
  botlock kill --command="python bot.py"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill()
		},
	}
	addBotFlags(cmd, f)
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c command, f *BotFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop every instance, then start fresh",
		Long: `Equivalent to stop followed by start: terminate matching instances,
wait out the settle interval and launch the client under the lock.

Example:
  botlock restart --config=botlock.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.Stop(false); err != nil {
				return err
			}
			return c.Start()
		},
	}
	addBotFlags(cmd, f)
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory for the bot client")
	cmd.Flags().IntVar(&f.Retries, "retries", 3, "conflict recoveries before giving up")
	return cmd
}

// createFindCommand creates the find subcommand
func createFindCommand(c command, f *BotFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find",
		Short: "List live processes matching the bot command line",
		Long: `Enumerate every live process whose full command line contains the bot
signature as a contiguous argument run. Exits non-zero when none match.

Example:
  botlock find --command="python bot.py"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Find()
		},
	}
	addBotFlags(cmd, f)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, f *BotFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show lock holder and matching instances",
		Long: `Report who holds the single-instance lock, whether the holder is
still alive, and which matching processes are running.

Example:
  botlock status --config=botlock.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status()
		},
	}
	addBotFlags(cmd, f)
	return cmd
}

// createResetCommand creates the reset subcommand
func createResetCommand(c command) *cobra.Command {
	var tokenEnv string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop the remote webhook and pending updates",
		Long: `Ask the Bot API to delete any webhook and discard queued updates.
Useful after killing a stuck instance so the next client starts from a
clean long-poll session. The token is read from the environment.

Example:
  TELEGRAM_BOT_TOKEN=... botlock reset`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reset(tokenEnv)
		},
	}
	cmd.Flags().StringVar(&tokenEnv, "token-env", "TELEGRAM_BOT_TOKEN", "environment variable holding the bot token")
	return cmd
}

// createCheckCommand creates the check subcommand
func createCheckCommand(c command) *cobra.Command {
	var tokenEnv string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the bot token against the Bot API",
		Long: `Call getMe with the configured token and print the bot username.

Example:
  TELEGRAM_BOT_TOKEN=... botlock check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Check(tokenEnv)
		},
	}
	cmd.Flags().StringVar(&tokenEnv, "token-env", "TELEGRAM_BOT_TOKEN", "environment variable holding the bot token")
	return cmd
}
