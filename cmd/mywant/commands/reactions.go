package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

var ReactionsCmd = &cobra.Command{
	Use:     "reactions",
	Aliases: []string{"r"},
	Short:   "Review approval requests raised by wants",
}

func completePendingReactions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	reactions, err := newClient().ListReactions(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	var ids []string
	for _, r := range reactions {
		if r.Status == mywant.ReactionPending {
			ids = append(ids, fmt.Sprintf("%s\t%s", r.QueueID, r.Prompt))
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

var listReactionsCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"l", "ls"},
	Short:   "List approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		reactions, err := newClient().ListReactions(cmd.Context())
		if err != nil {
			return err
		}
		pendingOnly, _ := cmd.Flags().GetBool("pending")

		w := newTable(cmd.OutOrStdout(), "QUEUE ID", "WANT", "STATUS", "CREATED", "PROMPT")
		for _, r := range reactions {
			if pendingOnly && r.Status != mywant.ReactionPending {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.QueueID,
				r.WantName,
				r.Status,
				r.CreatedAt.Format(time.RFC3339),
				r.Prompt,
			)
		}
		return w.Flush()
	},
}

func decideCmd(use, short string, approved bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:               use + " [queue-id]",
		Short:             short,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completePendingReactions,
		RunE: func(cmd *cobra.Command, args []string) error {
			comment, _ := cmd.Flags().GetString("comment")
			r, err := newClient().DecideReaction(cmd.Context(), args[0], approved, comment)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reaction %s %s for want %s\n", r.QueueID, r.Status, r.WantID)
			return nil
		},
	}
	cmd.Flags().StringP("comment", "m", "", "Comment recorded with the decision")
	return cmd
}

func init() {
	ReactionsCmd.AddCommand(listReactionsCmd)
	ReactionsCmd.AddCommand(decideCmd("approve", "Approve a pending request", true))
	ReactionsCmd.AddCommand(decideCmd("deny", "Deny a pending request", false))

	listReactionsCmd.Flags().Bool("pending", false, "Only show undecided requests")
}
