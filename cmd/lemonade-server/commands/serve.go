package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade-server/pkg/server"
)

func newServeCmd() *cobra.Command {
	config := server.DefaultConfig()
	logLevel := "info"

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference gateway",
		Long: `Start the gateway: an OpenAI-compatible HTTP API on --port and a
WebSocket realtime API on --port + 100.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			log = logger
			config.LogLevel = logLevel

			srv, err := server.New(logger, config)
			if err != nil {
				return fmt.Errorf("starting server: %w", err)
			}

			ctx := cmd.Context()
			if err := srv.Run(ctx); err != nil {
				return err
			}
			// A nil error after context cancellation means we were signalled.
			if ctx.Err() != nil {
				log.Infoln("Shutdown complete")
				return ErrInterrupted
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&config.Port, "port", config.Port, "HTTP listen port")
	cmd.Flags().StringVar(&config.Host, "host", config.Host, "Bind address")
	cmd.Flags().IntVar(&config.ContextSize, "ctx-size", 0, "Default context size for the llama.cpp backend")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log verbosity (debug, info, warning, error)")
	cmd.Flags().StringVar(&config.SDVariant, "sdcpp", config.SDVariant, "Stable-diffusion accelerator variant (cpu, vulkan, rocm)")
	cmd.Flags().StringVar(&config.LlamaVariant, "llamacpp", config.LlamaVariant, "llama.cpp accelerator variant (vulkan, rocm, metal, cpu, system)")
	cmd.Flags().BoolVar(&config.SaveImages, "save-images", false, "Persist generated images to disk")
	cmd.Flags().StringVar(&config.ImagesDir, "images-dir", config.ImagesDir, "Directory for persisted images")

	return cmd
}
