// Command explain classifies one chest X-ray image and prints the result,
// including the Grad-CAM overlay, as a single JSON record on stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/xray-gradcam/internal/app"
	"github.com/Brownie44l1/xray-gradcam/internal/config"
	"github.com/Brownie44l1/xray-gradcam/internal/failure"
	"github.com/Brownie44l1/xray-gradcam/internal/logging"
)

const (
	beginSentinel = "---GRADCAM-BEGIN---"
	endSentinel   = "---GRADCAM-END---"
)

type options struct {
	configPath string
	verbose    bool
	sentinel   bool
}

func newRootCmd(opts *options, stdout io.Writer, result *any) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "explain <image-path>",
		Short:         "Classify a chest X-ray and explain the prediction with Grad-CAM",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := explain(cmd.Context(), *opts, args[0])
			if err != nil {
				return err
			}
			*result = res
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging on stderr")
	cmd.Flags().BoolVar(&opts.sentinel, "sentinel", false, "wrap the JSON record between "+beginSentinel+" and "+endSentinel)
	return cmd
}

func explain(ctx context.Context, opts options, path string) (any, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, failure.Wrap(failure.Configuration, "explain", err)
	}
	if !filepath.IsAbs(cfg.Model.Dir) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, failure.Wrap(failure.IO, "explain", err)
		}
		if filepath.Base(wd) == "explain" {
			wd = filepath.Join(wd, "../..")
		}
		cfg.Model.Dir = filepath.Join(wd, cfg.Model.Dir)
	}
	// history is a server concern
	cfg.Store.Enabled = false

	logger, closeLog, err := logging.New(cfg.Log, opts.verbose)
	if err != nil {
		return nil, failure.Wrap(failure.Configuration, "explain", err)
	}
	defer closeLog()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	res, err := a.Service.InferFile(ctx, path)
	if err != nil {
		logger.Error("explanation failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// run executes the command and writes exactly one JSON record to stdout.
// It returns the process exit code.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	var (
		opts   options
		result any
	)
	cmd := newRootCmd(&opts, stdout, &result)
	// a nil slice would make cobra fall back to os.Args
	cmd.SetArgs(append([]string{}, args...))

	code := 0
	if err := cmd.ExecuteContext(ctx); err != nil {
		result = failure.PayloadFor(failure.Wrap(failure.Configuration, "explain", err))
		code = 1
	}
	if err := emit(stdout, result, opts.sentinel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to write result:", err)
		return 1
	}
	return code
}

func emit(w io.Writer, v any, sentinel bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if sentinel {
		_, err = fmt.Fprintf(w, "%s\n%s\n%s\n", beginSentinel, data, endSentinel)
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout))
}
