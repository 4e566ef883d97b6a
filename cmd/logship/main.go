package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/stream"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
	"github.com/splax/shipyard/pkg/logstream"
)

const maxLineBytes = 1 << 20

var (
	deploymentID string
	finalStatus  string
	reason       string
	startStatus  string
	tee          bool
	sendTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "logship",
	Short: "Ship build output from stdin to the deployment log stream",
	Long: "logship reads build output line by line from stdin and publishes every line " +
		"to the log stream keyed by the deployment id. With --status it also publishes " +
		"a terminal status once stdin is exhausted.\n\n" +
		"logship cannot see the exit code of the command feeding it, and a bare --status " +
		"publishes READY. A failed build must pass --status=FAILED explicitly. Lines longer " +
		"than 1 MiB are truncated.",
	Example: `  ./build.sh 2>&1 | logship --start BUILDING
  if [ "${PIPESTATUS[0]}" -eq 0 ]; then
    logship --status < /dev/null
  else
    logship --status=FAILED --reason "build exited non-zero" < /dev/null
  fi`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		cfg := config.LoadLogshipConfig()
		if deploymentID == "" {
			deploymentID = cfg.DeploymentID
		}
		log := logger.New("logship", slog.LevelInfo, true).With("deployment_id", deploymentID)

		producer, err := stream.NewProducer(cfg.Stream)
		if err != nil {
			return fmt.Errorf("configure stream producer: %w", err)
		}
		defer producer.Close()

		emitter, err := logstream.NewEmitter(producer, deploymentID)
		if err != nil {
			return err
		}
		var out io.Writer
		if tee {
			out = cmd.OutOrStdout()
		}
		return ship(cmd.Context(), cmd.InOrStdin(), out, emitter, shipOptions{
			start:   startStatus,
			final:   finalStatus,
			reason:  reason,
			timeout: sendTimeout,
		}, log)
	},
}

func init() {
	rootCmd.Flags().StringVar(&deploymentID, "deployment", "", "deployment id (defaults to $DEPLOYMENT_ID)")
	rootCmd.Flags().StringVar(&finalStatus, "status", "", "terminal status to publish at end of input; READY when given without a value, use --status=FAILED for a failed build")
	rootCmd.Flags().Lookup("status").NoOptDefVal = "READY"
	rootCmd.Flags().StringVar(&reason, "reason", "", "reason attached to the terminal status")
	rootCmd.Flags().StringVar(&startStatus, "start", "", "status to publish before reading input, e.g. BUILDING")
	rootCmd.Flags().BoolVar(&tee, "tee", true, "copy input to stdout")
	rootCmd.Flags().DurationVar(&sendTimeout, "send-timeout", 10*time.Second, "timeout for each publish")
}

type emitter interface {
	Line(ctx context.Context, line string) error
	Status(ctx context.Context, status, reason string) error
}

type shipOptions struct {
	start   string
	final   string
	reason  string
	timeout time.Duration
}

// ship copies in to the stream one line at a time. A failed line is logged and
// skipped; failed status signals are returned.
func ship(ctx context.Context, in io.Reader, out io.Writer, e emitter, opts shipOptions, log *slog.Logger) error {
	if opts.timeout <= 0 {
		opts.timeout = 10 * time.Second
	}
	send := func(fn func(context.Context) error) error {
		sctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		return fn(sctx)
	}

	if s := strings.TrimSpace(opts.start); s != "" {
		if err := send(func(c context.Context) error { return e.Status(c, s, "") }); err != nil {
			return fmt.Errorf("publish start status: %w", err)
		}
	}

	reader := bufio.NewReaderSize(in, 64*1024)
	var shipped, failed int
	for {
		line, truncated, err := readLine(reader, maxLineBytes)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if truncated {
			log.Warn("line truncated", "limit_bytes", maxLineBytes)
		}
		if out != nil {
			fmt.Fprintln(out, line)
		}
		if err := send(func(c context.Context) error { return e.Line(c, line) }); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			log.Warn("failed to ship line", "error", err)
			continue
		}
		shipped++
	}
	log.Info("input drained", "shipped", shipped, "failed", failed)

	if s := strings.TrimSpace(opts.final); s != "" {
		if err := send(func(c context.Context) error { return e.Status(c, s, opts.reason) }); err != nil {
			return fmt.Errorf("publish final status: %w", err)
		}
		log.Info("status published", "status", strings.ToUpper(s))
	}
	return nil
}

// readLine returns the next line without its terminator, keeping at most limit
// bytes and discarding the rest of an overlong line.
func readLine(r *bufio.Reader, limit int) (string, bool, error) {
	var buf []byte
	truncated := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", truncated, err
		}
		if room := limit - len(buf); len(chunk) > room {
			chunk = chunk[:max(room, 0)]
			truncated = true
		}
		buf = append(buf, chunk...)
		if !isPrefix {
			return string(buf), truncated, nil
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
