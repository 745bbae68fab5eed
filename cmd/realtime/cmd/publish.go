package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bosbase/realtime-go/pkg/realtime/bus"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish <websocket-url> <topic> <message>",
	Short: "Publish a message to a realtime server",
	Long: `Publish a message to a topic on a realtime server and wait for the
server's acknowledgement.

The message payload is parsed as JSON when possible and sent as a
plain string otherwise.

Examples:
  realtime publish ws://localhost:8090/api/bus rooms/1 '{"text":"hello"}'
  realtime publish ws://localhost:8090/api/bus system/alert "maintenance at noon"`,
	Args: cobra.ExactArgs(3),
	RunE: runPublish,
}

var (
	publishDialTimeout time.Duration
	publishTimeout     time.Duration
	publishAuthToken   string
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().DurationVar(&publishDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 30*time.Second, "Total operation timeout")
	publishCmd.Flags().StringVar(&publishAuthToken, "auth", "", "Authorization header value sent on connect")
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL := args[0]
	topic := args[1]
	messageStr := args[2]

	// Prefer structured payloads when the argument parses as JSON.
	var payload any
	if err := json.Unmarshal([]byte(messageStr), &payload); err != nil {
		payload = messageStr
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	builder := bus.NewClient().
		WithURL(wsURL).
		WithLogger(logger).
		WithDialTimeout(publishDialTimeout)
	if publishAuthToken != "" {
		builder = builder.WithAuthorization(publishAuthToken)
	}

	client, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Disconnect()

	ack, err := client.Publish(ctx, topic, payload)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	logger.Info("Message published",
		zap.String("topic", ack.Topic),
		zap.String("id", ack.ID),
		zap.String("created", ack.Created),
	)
	fmt.Printf("published %s (id=%s)\n", ack.Topic, ack.ID)

	return nil
}
