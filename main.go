// Command chatrelay runs the websocket chat relay and its helper tools.
//
//	chatrelay serve --config relay.yaml
//	chatrelay token --user alice
//	chatrelay client --url ws://localhost:8080/ws --token ... --thread t1
//	chatrelay events tail --config relay.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ChatRelay/logger"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Real-time chat relay over websockets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildClientCmd(),
		buildEventsCmd(),
		buildMembersCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
