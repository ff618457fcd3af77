package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/client"
)

// turnFor fills model and sampling settings from the session unless overridden.
func turnFor(ctx context.Context, c *client.Consumer, sessionID, message, model string) (client.TurnRequest, error) {
	sess, err := c.Client().GetSession(ctx, sessionID)
	if err != nil {
		return client.TurnRequest{}, err
	}
	if model == "" {
		model = sess.Model
	}
	temperature, maxTokens := sess.Temperature, sess.MaxTokens
	return client.TurnRequest{
		SessionID:   sessionID,
		Message:     message,
		Model:       model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}, nil
}

func newSendCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "send <session-id> <message...>",
		Short: "Send a message and wait for the full reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsumer()
			if err != nil {
				return err
			}
			in, err := turnFor(cmd.Context(), c, args[0], strings.Join(args[1:], " "), model)
			if err != nil {
				return err
			}
			res, err := c.Send(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.AssistantMessage.Content)
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s, %d tokens]\n", res.Usage.Model, res.Usage.Tokens)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model id (default: the session's)")
	return cmd
}

func newStreamCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "stream <session-id> <message...>",
		Short: "Send a message and print the reply as it arrives",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsumer()
			if err != nil {
				return err
			}
			in, err := turnFor(cmd.Context(), c, args[0], strings.Join(args[1:], " "), model)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printed := 0
			c.OnUpdate = func(text string) {
				fmt.Fprint(out, text[printed:])
				printed = len(text)
			}
			err = c.SendStream(cmd.Context(), in)
			if printed > 0 {
				fmt.Fprintln(out)
			}
			if err != nil {
				return err
			}
			if st := c.State(); st != client.StateCompleted {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", st)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model id (default: the session's)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsumer()
			if err != nil {
				return err
			}
			msgs, err := c.ListMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Role, m.Content)
			}
			return nil
		},
	}
}

func newEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <text...>",
		Short: "Estimate the token count of text",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), ai.EstimateTokens(strings.Join(args, " ")))
		},
	}
}
