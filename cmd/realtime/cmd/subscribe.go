package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bosbase/realtime-go/pkg/realtime"
	"github.com/bosbase/realtime-go/pkg/realtime/bus"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <websocket-url> <topic> [topics...]",
	Short: "Subscribe to topics on a realtime server",
	Long: `Subscribe to one or more topics on a realtime server and print
incoming messages to stdout until interrupted.

The first argument is the WebSocket URL to connect to; the remaining
arguments are topic names.

Examples:
  realtime subscribe ws://localhost:8090/api/bus rooms/1
  realtime subscribe ws://localhost:8090/api/bus rooms/1 rooms/2 system`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSubscribe,
}

var (
	dialTimeout time.Duration
	authToken   string
)

func init() {
	rootCmd.AddCommand(subscribeCmd)

	subscribeCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	subscribeCmd.Flags().StringVar(&authToken, "auth", "", "Authorization header value sent on connect")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsURL := args[0]
	topics := args[1:]

	builder := bus.NewClient().
		WithURL(wsURL).
		WithLogger(logger).
		WithDialTimeout(dialTimeout).
		WithDisconnectHandler(func(dropped []string) {
			logger.Error("Reconnection abandoned, subscriptions dropped",
				zap.Strings("topics", dropped))
			cancel()
		})
	if authToken != "" {
		builder = builder.WithAuthorization(authToken)
	}

	client, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Disconnect()

	for _, topic := range topics {
		sub, err := client.Subscribe(ctx, topic, nil, func(msg realtime.Message) {
			fmt.Printf("[%s] %s\n", msg.Topic, string(msg.Data))
		})
		if err != nil {
			logger.Error("Failed to subscribe to topic", zap.String("topic", topic), zap.Error(err))
			continue
		}
		logger.Info("Subscribed to topic", zap.String("topic", sub.Topic()))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Listening for messages... (Press Ctrl+C to exit)")

	select {
	case sig := <-sigChan:
		logger.Debug("Signal received, exiting", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	return nil
}
