// lemonade-server is a local inference gateway: it serves OpenAI-compatible
// HTTP and WebSocket APIs by supervising native model-runtime subprocesses.
package main

import (
	"errors"
	"os"

	"github.com/lemonade-sdk/lemonade-server/cmd/lemonade-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		if errors.Is(err, commands.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
