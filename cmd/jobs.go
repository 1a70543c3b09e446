package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ms-checkin/internal/label"
	"ms-checkin/internal/models"
	"ms-checkin/internal/printjob"
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a ticket and queue its QR badge label for printing at check-in",
	RunE:  runIssue,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a printable file for a ticket",
	RunE:  runEnqueue,
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-arm a failed print job",
	RunE:  runRetry,
}

func init() {
	issueCmd.Flags().String("code", "", "ticket code printed on the badge")
	issueCmd.Flags().String("attendee", "", "attendee id")
	issueCmd.Flags().StringToString("meta", nil, "opaque metadata, key=value")
	issueCmd.MarkFlagRequired("code")
	issueCmd.MarkFlagRequired("attendee")

	enqueueCmd.Flags().String("ticket", "", "ticket id")
	enqueueCmd.Flags().String("file", "", "path of the file to print")
	enqueueCmd.MarkFlagRequired("ticket")
	enqueueCmd.MarkFlagRequired("file")

	retryCmd.Flags().String("job", "", "print job id")
	retryCmd.MarkFlagRequired("job")

	rootCmd.AddCommand(issueCmd, enqueueCmd, retryCmd)
}

func newQueue(ctx context.Context, a *app) (*printjob.Queue, error) {
	pub, err := a.feedPublisher(ctx)
	if err != nil {
		return nil, err
	}
	return printjob.NewQueue(jobStore(a.db), ticketStore(a.db), blobStore(a.cfg), pub, a.log), nil
}

func runIssue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, "checkin-cli")
	if err != nil {
		return err
	}
	defer a.Close()

	code, _ := cmd.Flags().GetString("code")
	attendee, _ := cmd.Flags().GetString("attendee")
	meta, _ := cmd.Flags().GetStringToString("meta")

	ticket := &models.Ticket{
		ID:         uuid.New().String(),
		Code:       code,
		AttendeeID: attendee,
		CreatedAt:  time.Now().UTC(),
	}
	if len(meta) > 0 {
		ticket.Metadata = make(map[string]interface{}, len(meta))
		for k, v := range meta {
			ticket.Metadata[k] = v
		}
	}
	if err := ticketStore(a.db).CreateTicket(ctx, ticket); err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}

	png, err := label.NewGenerator().Render(*ticket)
	if err != nil {
		return err
	}
	queue, err := newQueue(ctx, a)
	if err != nil {
		return err
	}
	job, err := queue.Enqueue(ctx, ticket.ID, png, "cli")
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{"ticket": ticket, "print_job": job})
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, "checkin-cli")
	if err != nil {
		return err
	}
	defer a.Close()

	ticketID, _ := cmd.Flags().GetString("ticket")
	path, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	queue, err := newQueue(ctx, a)
	if err != nil {
		return err
	}
	job, err := queue.Enqueue(ctx, ticketID, data, "cli")
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, "checkin-cli")
	if err != nil {
		return err
	}
	defer a.Close()

	jobID, _ := cmd.Flags().GetString("job")
	queue, err := newQueue(ctx, a)
	if err != nil {
		return err
	}
	job, err := queue.Rearm(ctx, jobID)
	if errors.Is(err, printjob.ErrInvalidTransition) {
		return fmt.Errorf("job %s is not failed; only failed jobs can be retried: %w", jobID, err)
	}
	if err != nil {
		return err
	}
	return printJSON(job)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
