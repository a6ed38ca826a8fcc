// Command apkresign signs an APKINDEX by reusing an existing signature.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/meigma/apkresign"
)

// levelTrace sits below slog.LevelDebug for the most verbose output.
const levelTrace = slog.LevelDebug - 4

// rootOptions holds the global flags shared by every subcommand.
type rootOptions struct {
	quiet      bool
	verbose    int
	indexPath  string
	outputPath string

	logger *slog.Logger
}

// level maps the quiet/verbose flags onto a slog level.
func (o *rootOptions) level() slog.Level {
	switch {
	case o.quiet:
		return slog.LevelWarn
	case o.verbose == 0:
		return slog.LevelInfo
	case o.verbose == 1:
		return slog.LevelDebug
	default:
		return levelTrace
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "apkresign",
		Short: "Sign an APKINDEX by reusing an existing signature",
		Long: `apkresign copies a signature out of an existing artifact (an image
archive, another signed index, a signature file, or a registry image)
and splices it onto an unsigned APKINDEX, producing a signed archive
byte-compatible with the abuild signing pipeline.

It never computes a signature itself.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: opts.level(),
			}))
			slog.SetDefault(opts.logger)
		},
	}

	registerGlobalFlags(cmd.PersistentFlags(), opts)
	_ = cmd.MarkPersistentFlagRequired("index-path")
	_ = cmd.MarkPersistentFlagRequired("output-path")

	cmd.AddCommand(
		newFromImageCmd(opts),
		newFromIndexCmd(opts),
		newFromFileCmd(opts),
		newFromRegistryCmd(opts),
	)
	return cmd
}

// registerGlobalFlags wires the flags shared by every subcommand.
func registerGlobalFlags(fs *pflag.FlagSet, opts *rootOptions) {
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "Only show warnings")
	fs.CountVarP(&opts.verbose, "verbose", "v", "More verbose logs")
	fs.StringVar(&opts.indexPath, "index-path", "", "The index that should be signed")
	fs.StringVar(&opts.outputPath, "output-path", "", "The path the signed index should be written to, may be equal to input")
}

func newFromImageCmd(opts *rootOptions) *cobra.Command {
	var arch string

	cmd := &cobra.Command{
		Use:   "from-image <path>",
		Short: "Copy the signature from an APKINDEX.tar.gz inside an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, apkresign.ImageSource(args[0], arch))
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "", "The architecture")
	_ = cmd.MarkFlagRequired("arch")
	return cmd
}

func newFromIndexCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "from-index <path>",
		Short: "Copy the signature from another signed APKINDEX.tar.gz",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, apkresign.IndexSource(args[0]))
		},
	}
}

func newFromFileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "from-file <path>",
		Short: "Copy the signature from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, apkresign.FileSource(args[0]))
		},
	}
}

func newFromRegistryCmd(opts *rootOptions) *cobra.Command {
	var (
		arch      string
		plainHTTP bool
	)

	cmd := &cobra.Command{
		Use:   "from-registry <reference>",
		Short: "Copy the signature from an image in an OCI registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, apkresign.RegistrySource(args[0], arch),
				apkresign.LocateWithPlainHTTP(plainHTTP))
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "", "The architecture")
	cmd.Flags().BoolVar(&plainHTTP, "plain-http", false, "Use plain HTTP to reach the registry")
	_ = cmd.MarkFlagRequired("arch")
	return cmd
}

// run locates the signature for src and signs the configured index.
func run(cmd *cobra.Command, opts *rootOptions, src apkresign.Source, extra ...apkresign.LocateOption) error {
	ctx := cmd.Context()
	logger := opts.logger

	locateOpts := append([]apkresign.LocateOption{apkresign.LocateWithLogger(logger)}, extra...)
	sig, err := apkresign.Locate(ctx, src, locateOpts...)
	if err != nil {
		return err
	}
	logger.Info("found signature", "source", src.Kind.String(), "name", sig.Name)

	return apkresign.Sign(ctx, opts.indexPath, opts.outputPath, sig,
		apkresign.SignWithLogger(logger))
}
