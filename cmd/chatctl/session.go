package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-relay/internal/client"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage chat sessions",
	}
	cmd.AddCommand(newSessionCreateCmd())
	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	var (
		model        string
		systemPrompt string
		temperature  float64
		maxTokens    int
	)
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a session and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsumer()
			if err != nil {
				return err
			}
			in := client.SessionRequest{Title: args[0], Model: model, SystemPrompt: systemPrompt}
			if cmd.Flags().Changed("temperature") {
				in.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				in.MaxTokens = &maxTokens
			}
			sess, err := c.CreateSession(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", sess.ID, sess.Model, sess.Title)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model id (default: first in catalog)")
	cmd.Flags().StringVar(&systemPrompt, "system", "", "system prompt")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature 0..1")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max output tokens")
	return cmd
}
