package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/notify"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history ROOM",
		Short: "Print a page of a room's messages",
		Long: `Print a page of a room's messages, oldest first. Offsets count back from
the newest message. Pages already cached are served without a request.`,
		Args: cobra.ExactArgs(1),
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", 0, "messages per page (default prefetch.page_size)")
	cmd.Flags().Int("offset", 0, "number of newer messages to skip")
	cmd.Flags().Bool("warm", false, "also cache the room, its members and the next page")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	warm, _ := cmd.Flags().GetBool("warm")

	if limit < 0 || offset < 0 {
		return fmt.Errorf("--limit and --offset must not be negative")
	}

	logger, _ := defaultLogger()
	ctx := cmd.Context()
	roomID := args[0]

	sess, err := openChatSession(ctx, resolvedCfg, notify.Discard{}, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	msgs, err := sess.Engine.History(ctx, roomID, limit, offset)
	if err != nil {
		return err
	}

	if warm {
		if err := sess.Engine.WarmRoom(ctx, roomID); err != nil {
			return err
		}
	}

	// A stale page is revalidated in the background; let it land in the
	// cache before the database closes.
	sess.Engine.Wait()

	return printHistory(cmd, msgs)
}

func printHistory(cmd *cobra.Command, msgs []model.Message) error {
	out := cmd.OutOrStdout()

	if flagJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		if msgs == nil {
			msgs = []model.Message{}
		}

		return enc.Encode(msgs)
	}

	if len(msgs) == 0 {
		statusf(flagQuiet, "No messages.\n")
		return nil
	}

	for _, m := range msgs {
		fmt.Fprintln(out, formatMessage(m))
	}

	return nil
}
