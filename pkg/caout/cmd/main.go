package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MixyLabs/caout/pkg/caout"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	configFile string
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "caout [file]",
		Short:        "Play audio, passing AC3 through to digital outputs untouched",
		Long:         "Play a WAV file, or a raw IEC 61937 AC3 stream sent bit-exact to a digital output.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}

	flags := cmd.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (useful for debugging format switches)")
	flags.StringVar(&configFile, "config", "", "config file to use instead of ./config.yaml")
	flags.Int("device-id", 0, "output device id, 0 for the system default")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")

	defaultHelp := cmd.HelpFunc()
	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		defaultHelp(c, args)

		fmt.Fprintln(c.OutOrStdout())
		printDevices(c.OutOrStdout())
	})

	return cmd
}

func printDevices(w io.Writer) {
	logger, err := caout.NewLogger(buildType, false)
	if err != nil {
		fmt.Fprintln(w, "Failed to get list of output devices.")
		return
	}

	hal, err := caout.NewSystemHAL(logger)
	if err != nil {
		fmt.Fprintln(w, "Failed to get list of output devices.")
		return
	}
	defer hal.Close()

	_ = caout.NewDeviceDirectory(hal, logger).Print(w)
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := caout.NewLogger(buildType, verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
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

	c, err := caout.NewCaout(logger, verbose, configFile)
	if err != nil {
		named.Fatalw("Failed to create caout object", "error", err)
	}

	if err := c.BindFlags(cmd.Flags()); err != nil {
		named.Fatalw("Failed to bind command line flags", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		c.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	listOnly, err := c.Initialize()
	if err != nil {
		named.Fatalw("Failed to initialize caout", "error", err)
	}

	if listOnly {
		return nil
	}

	if len(args) == 0 {
		return errors.New("no file to play, see --help")
	}

	if err := c.Play(args[0]); err != nil {
		named.Errorw("Playback failed", "error", err)
		return err
	}

	return nil
}
