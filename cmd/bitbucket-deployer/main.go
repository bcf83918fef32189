// Package main provides the entry point for bitbucket-deployer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/bitbucket-deployer/internal/version"
	"github.com/yourorg/bitbucket-deployer/pkg/config"
	"github.com/yourorg/bitbucket-deployer/pkg/database"
	"github.com/yourorg/bitbucket-deployer/pkg/manifest"
	"github.com/yourorg/bitbucket-deployer/pkg/platform"
	"github.com/yourorg/bitbucket-deployer/pkg/resource"
	"github.com/yourorg/bitbucket-deployer/pkg/upgrade"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bitbucket-deployer",
	Short: "Install, configure and upgrade Bitbucket Server",
	Long: `bitbucket-deployer converges a host to a declared Bitbucket Server
deployment: release archive, configuration files, systemd service and the
scheduled backup client. Version changes run the stop, clean, reinstall,
reconfigure and start sequence.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigPath, "config file path")

	applyCmd.Flags().Bool("noop", false, "Report what would change without touching the host")
	applyCmd.Flags().String("installed-version", "", "Skip detection and treat this version as installed")
	planCmd.Flags().String("installed-version", "", "Skip detection and treat this version as installed")
	renderCmd.Flags().String("out", "", "Write rendered files below this directory instead of printing them")
	verifyCmd.Flags().Duration("timeout", 0, "Give up after this long (defaults to verify.timeout)")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(factsCmd)
	rootCmd.AddCommand(checkDBCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Converge the host",
	Long:  "Install, configure, upgrade and start Bitbucket as declared in the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		noop, _ := cmd.Flags().GetBool("noop")
		if noop {
			ctx = resource.WithNoop(ctx)
		}

		if app.cfg.Preflight.Platform {
			if err := checkPlatform(app.logger); err != nil {
				return err
			}
		}

		m, err := app.compose()
		if err != nil {
			return err
		}

		override, _ := cmd.Flags().GetString("installed-version")
		installed, err := app.detector(override).InstalledVersion(ctx)
		if err != nil {
			return fmt.Errorf("failed to detect installed version: %w", err)
		}

		var preflights []manifest.Preflight
		if app.cfg.Preflight.Database {
			preflights = append(preflights, func(ctx context.Context) error {
				_, err := database.Preflight(ctx, app.params.Database, app.logger)
				return err
			})
		}

		deployer := manifest.NewDeployer(app.providers(), app.logger, preflights...)
		res, runErr := deployer.Deploy(ctx, m, installed)

		if app.cfg.Metrics.Textfile != "" && !noop {
			if err := app.writeMetrics(res, runErr); err != nil {
				app.logger.Warn("failed to write metrics", zap.Error(err))
			}
		}

		if res != nil {
			if err := printYAML(res); err != nil {
				return err
			}
		}
		return runErr
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the desired state",
	Long:  "Print the version facts, upgrade plan and ordered resource catalog as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.logger.Sync()

		m, err := app.compose()
		if err != nil {
			return err
		}

		override, _ := cmd.Flags().GetString("installed-version")
		installed, err := app.detector(override).InstalledVersion(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to detect installed version: %w", err)
		}

		order, err := m.Catalog.Order()
		if err != nil {
			return err
		}

		out := planOutput{
			Requested: m.Params.Version.String(),
			Facts: factsOutput{
				WebappDir:                   m.Facts.WebappDir,
				ConfigFilePath:              m.Facts.ConfigFilePath,
				UsesLegacyServerXMLLocation: m.Facts.UsesLegacyServerXMLLocation,
				SupportsExtraProperties:     m.Facts.SupportsExtraProperties,
			},
			Upgrade: upgrade.Plan(installed, m.Params.Version, upgrade.PlanOptions{
				HomeDir: m.Params.Install.HomeDir,
				Grace:   m.Params.Service.Grace,
				Logger:  app.logger,
			}),
			Resources: order,
		}
		if installed != nil {
			out.Installed = installed.String()
		}
		return printYAML(out)
	},
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render configuration files",
	Long:  "Render the configuration files without applying them",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.logger.Sync()

		m, err := app.compose()
		if err != nil {
			return err
		}

		files := m.Rendered.Files
		if m.Unit != nil {
			files = append(files, *m.Unit)
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			for _, f := range files {
				fmt.Printf("# %s\n%s\n", f.Path, f.Content)
			}
			return nil
		}

		fs := afero.NewBasePathFs(afero.NewOsFs(), out)
		for _, f := range files {
			if err := fs.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
			}
			if err := afero.WriteFile(fs, f.Path, []byte(f.Content), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", f.Path, err)
			}
			fmt.Println(f.Path)
		}
		return nil
	},
}

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Show the running instance",
	Long:  "Query the local instance for its version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.logger.Sync()

		props, err := app.detector("").Properties(cmd.Context())
		if err != nil {
			return err
		}
		return printYAML(props)
	},
}

var checkDBCmd = &cobra.Command{
	Use:   "check-db",
	Short: "Check the database connection",
	Long:  "Connect to the configured JDBC database with the application credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.logger.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		res, err := database.Preflight(ctx, app.params.Database, app.logger)
		if err != nil {
			return err
		}
		return printYAML(res)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run acceptance checks",
	Long:  "Wait until the service is active, the port listens and the application responds",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.logger.Sync()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout <= 0 {
			timeout = app.cfg.Verify.Timeout
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		monitor, err := app.monitor()
		if err != nil {
			return err
		}
		status, err := monitor.WaitHealthy(ctx, app.cfg.Verify.Interval)
		if perr := printYAML(status); perr != nil {
			return perr
		}
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetInfo()
		fmt.Println(info.String())
	},
}

func checkPlatform(logger *zap.Logger) error {
	info, err := platform.Detect(afero.NewOsFs())
	if err != nil {
		return fmt.Errorf("failed to detect platform: %w", err)
	}
	logger.Info("detected platform",
		zap.String("os", info.Name),
		zap.String("release", info.VersionID),
		zap.String("kernel", info.Kernel))
	return info.Check()
}
