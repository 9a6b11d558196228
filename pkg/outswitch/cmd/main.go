package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/stalexteam/outswitch/pkg/outswitch"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

type oneShotFlags struct {
	listDevices     bool
	listDevicesJSON bool
	setDevice       string
}

func (f *oneShotFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&f.listDevices, "list-audio-devices", false, "print active output devices as \"id: name\" lines and exit")
	fs.BoolVar(&f.listDevicesJSON, "list-audio-devices-json", false, "print active output devices as a JSON array and exit")
	fs.StringVar(&f.setDevice, "set-audio-device", "", "make the device with this exact id the default output and exit")
}

func (f *oneShotFlags) any() bool {
	return f.listDevices || f.listDevicesJSON || f.setDevice != ""
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &oneShotFlags{}

	cmd := &cobra.Command{
		Use:          "outswitch",
		Short:        "Switch the default audio output from the tray, a shell or a remote MCP client",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, _, err := bootstrap()
			if err != nil {
				return err
			}

			if flags.any() {
				return runOneShot(o, flags)
			}

			o.Run(true)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (useful for debugging)")
	flags.register(cmd.Flags())
	cmd.MarkFlagsMutuallyExclusive("list-audio-devices", "list-audio-devices-json", "set-audio-device")

	cmd.AddCommand(newServeCmd(), newShellCmd(), newConfigCmd())

	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run only the remote tool server, without tray icon or event feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, _, err := bootstrap()
			if err != nil {
				return err
			}

			return o.RunToolServer()
		},
	}
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive shell for listing and switching output devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, logger, err := bootstrap()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			return outswitch.NewShell(logger, o.Selector(), cmd.OutOrStdout()).Run(ctx)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write config.yaml with the default values, unless it already exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := outswitch.NewLogger(buildType, verbose)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}

			o, err := outswitch.NewOutswitch(logger, verbose)
			if err != nil {
				return fmt.Errorf("create outswitch: %w", err)
			}

			created, err := o.Config().WriteDefaultConfig()
			if err != nil {
				return err
			}

			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", o.Config().ConfigFilepath())
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, leaving it alone\n", o.Config().ConfigFilepath())
			}

			return nil
		},
	})

	return cmd
}

func bootstrap() (*outswitch.Outswitch, *zap.SugaredLogger, error) {
	logger, err := outswitch.NewLogger(buildType, verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	o, err := outswitch.NewOutswitch(logger, verbose)
	if err != nil {
		named.Errorw("Failed to create outswitch object", "error", err)
		return nil, nil, fmt.Errorf("create outswitch: %w", err)
	}

	// if we have a version tag, set it so the tray menu and the MCP server info can show it
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		o.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err := o.Initialize(); err != nil {
		named.Errorw("Failed to initialize outswitch", "error", err)
		return nil, nil, fmt.Errorf("initialize outswitch: %w", err)
	}

	return o, logger, nil
}

func runOneShot(o *outswitch.Outswitch, flags *oneShotFlags) error {
	selector := o.Selector()

	switch {
	case flags.listDevices:
		return outswitch.PrintDevices(os.Stdout, selector.List())

	case flags.listDevicesJSON:
		return outswitch.PrintDevicesJSON(os.Stdout, selector.List())

	default:
		device, err := selector.SelectByID(context.Background(), flags.setDevice)
		if err != nil {
			return err
		}

		fmt.Printf("default output is now %s\n", device)
		return nil
	}
}
