package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/notify"
)

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send ROOM TEXT...",
		Short: "Send a message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runSend,
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, _ := defaultLogger()
	ctx := cmd.Context()

	sess, err := openChatSession(ctx, resolvedCfg, notify.NewLog(logger), logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	msg, err := sess.Engine.Send(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	return printMessageResult(cmd, "Sent", msg)
}

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit MESSAGE TEXT...",
		Short: "Replace the text of a sent message",
		Long: `Replace the text of a message. The message must be in the local cache,
for example from a previous history or watch.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runEdit,
	}
}

func runEdit(cmd *cobra.Command, args []string) error {
	logger, _ := defaultLogger()
	ctx := cmd.Context()

	sess, err := openChatSession(ctx, resolvedCfg, notify.NewLog(logger), logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	msg, err := sess.Engine.Edit(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	return printMessageResult(cmd, "Edited", msg)
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete MESSAGE",
		Short: "Delete a message",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	logger, _ := defaultLogger()
	ctx := cmd.Context()

	sess, err := openChatSession(ctx, resolvedCfg, notify.NewLog(logger), logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Engine.Delete(ctx, args[0]); err != nil {
		return err
	}

	statusf(flagQuiet, "Deleted %s\n", args[0])

	return nil
}

func printMessageResult(cmd *cobra.Command, verb string, msg model.Message) error {
	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode(msg)
	}

	statusf(flagQuiet, "%s %s\n", verb, msg.ID)
	fmt.Fprintln(cmd.OutOrStdout(), formatMessage(msg))

	return nil
}
