package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botrunner/pkg/client"
)

func main() {
	root := buildRoot(command{out: os.Stdout, in: os.Stdin, sessions: NewSessionManager(""), now: time.Now})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(c command) *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global, c.out)
	root.AddCommand(
		createServeCommand(global),
		createUploadCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createBanCommand(c),
		createUnbanCommand(c),
		createBansCommand(c),
		createTenantsCommand(c),
		createReconcileCommand(c),
		createLoginCommand(c),
		createLogoutCommand(c),
		createHashPasswordCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "botrunner",
		Short: "Host and supervise per-tenant bot processes",
		Long: `Botrunner accepts bot uploads, installs their dependencies and keeps one
process per tenant running across crashes and server restarts.

Examples:
  botrunner serve --config botrunner.toml
  botrunner upload --tenant 42 --bot ./bot.js --pkg ./package.json
  botrunner status --tenant 42
  botrunner ban --user 42 --api-url http://host:10000`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "server URL including base path (default "+client.DefaultBaseURL+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("BOTRUNNER_TOKEN"), "bearer token (default: saved session)")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an https server")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the botrunner server",
		Long: `Run the upload API, reconcile tenants that should be running and schedule
workspace sweeps. Configuration comes from the TOML file, BOTRUNNER_* variables
and PORT.

Examples:
  botrunner serve
  botrunner serve botrunner.toml
  botrunner serve --config botrunner.toml --daemonize --pidfile /run/botrunner.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(global, flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the server PID here")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func createUploadCommand(c command) *cobra.Command {
	f := &UploadFlags{}
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a bot and (re)start it",
		Long: `Upload the entry point and/or the dependency manifest for a tenant. The server
installs dependencies and launches the bot unless it is already running.

Examples:
  botrunner upload --tenant 42 --bot ./bot.js
  botrunner upload --tenant 42 --bot ./bot.js --pkg ./package.json`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.Upload(*f) },
	}
	cmd.Flags().StringVar(&f.Tenant, "tenant", "", "tenant id (chat id)")
	cmd.Flags().StringVar(&f.BotJS, "bot", "", "entry point file")
	cmd.Flags().StringVar(&f.Manifest, "pkg", "", "package.json")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func tenantCommand(use, short string, run func(TenantFlags) error, withWait bool) *cobra.Command {
	f := &TenantFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE:  func(cmd *cobra.Command, args []string) error { return run(*f) },
	}
	cmd.Flags().StringVar(&f.Tenant, "tenant", "", "tenant id")
	if withWait {
		cmd.Flags().DurationVar(&f.Wait, "wait", 0, "grace period before the bot is killed (default: server stop_wait)")
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createStartCommand(c command) *cobra.Command {
	return tenantCommand("start", "Start a tenant's bot if it is not running", c.Start, false)
}

func createStopCommand(c command) *cobra.Command {
	return tenantCommand("stop", "Stop a tenant's bot and clear its desired state", c.Stop, true)
}

func createStatusCommand(c command) *cobra.Command {
	return tenantCommand("status", "Show a tenant's process state", c.Status, false)
}

func banCommand(use, short string, run func(BanFlags) error) *cobra.Command {
	f := &BanFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE:  func(cmd *cobra.Command, args []string) error { return run(*f) },
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "tenant id")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createBanCommand(c command) *cobra.Command {
	return banCommand("ban", "Bar a tenant from uploads and launches", c.Ban)
}

func createUnbanCommand(c command) *cobra.Command {
	return banCommand("unban", "Lift a ban", c.Unban)
}

func apiCommand(use, short string, run func(APIFlags) error) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE:  func(cmd *cobra.Command, args []string) error { return run(*f) },
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createBansCommand(c command) *cobra.Command {
	return apiCommand("bans", "List banned tenants", c.Bans)
}

func createTenantsCommand(c command) *cobra.Command {
	return apiCommand("tenants", "List every tenant with its state and ban flag", c.Tenants)
}

func createReconcileCommand(c command) *cobra.Command {
	return apiCommand("reconcile", "Relaunch every tenant whose desired state is running", c.Reconcile)
}

func createLoginCommand(c command) *cobra.Command {
	f := &LoginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in as the admin and save the token",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Login(*f) },
	}
	cmd.Flags().StringVar(&f.Username, "username", "admin", "admin user")
	cmd.Flags().StringVar(&f.Password, "password", "", "password (prompted when empty)")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createLogoutCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Logout() },
	}
}

func createHashPasswordCommand(c command) *cobra.Command {
	f := &HashFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for auth.password_hash",
		Long: `Print a bcrypt hash for auth.password_hash. The password is read from stdin
when --password is not given.

Examples:
  echo -n secret | botrunner hash-password`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.HashPassword(*f) },
	}
	cmd.Flags().StringVar(&f.Password, "password", "", "password to hash")
	return cmd
}
