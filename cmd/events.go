package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ms-checkin/internal/config"
	"ms-checkin/internal/kafka"
	"ms-checkin/internal/logger"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail check-in and print outcome events from Kafka",
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().String("group", "ms-checkin-tail", "consumer group id")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Kafka.Enabled {
		return errors.New("events: KAFKA_ENABLED is false")
	}

	log := logger.NewLogger("events")
	defer log.Close()

	group, _ := cmd.Flags().GetString("group")
	topics := []string{cfg.Kafka.Topics.CheckinAccepted, cfg.Kafka.Topics.PrintPrinted, cfg.Kafka.Topics.PrintFailed}
	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, topics, group, log)
	defer consumer.Close()

	return consumer.Start(ctx, func(topic string, event map[string]interface{}) {
		log.LogKafka("RECEIVED", topic, fmt.Sprintf("%v", event))
	})
}
