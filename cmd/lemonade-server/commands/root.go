// Package commands implements the lemonade-server CLI.
package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// ErrInterrupted is returned when the server was stopped by SIGINT or
// SIGTERM, so main
// can exit with the conventional 130.
var ErrInterrupted = errors.New("interrupted")

var log logging.Logger

// rootCmd is the root command for lemonade-server.
var rootCmd = &cobra.Command{
	Use:   "lemonade-server",
	Short: "Local OpenAI-compatible inference gateway",
	Long: `lemonade-server serves OpenAI-compatible HTTP and WebSocket APIs (chat,
completions, embeddings, reranking, images, speech, transcription) by
downloading, launching and supervising native model runtimes such as
llama.cpp, stable-diffusion.cpp and whisper.cpp.

Example:
  lemonade-server serve --port 8000
  curl http://localhost:8000/api/v1/models`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal-aware context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// newLogger builds the process logger at the requested level.
func newLogger(level string) (logging.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(parsed)
	return logging.NewLogrusAdapter(logger), nil
}

func init() {
	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
}
