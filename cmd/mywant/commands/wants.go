package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/pkg/client"
)

var WantsCmd = &cobra.Command{
	Use:     "wants",
	Aliases: []string{"w"},
	Short:   "Manage wants",
	Long:    `List, create, control, reparent and delete wants.`,
}

// completeWantIDs offers want ids with their names as descriptions.
func completeWantIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	wants, err := newClient().ListWants(cmd.Context(), client.ListOptions{})
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	var ids []string
	for _, w := range wants {
		ids = append(ids, fmt.Sprintf("%s\t%s", w.Metadata.ID, w.Metadata.Name))
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

var listWantsCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"l", "ls"},
	Short:   "List wants",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := client.ListOptions{}
		opts.Type, _ = cmd.Flags().GetString("type")
		opts.Statuses, _ = cmd.Flags().GetStringSlice("status")
		opts.Labels, _ = cmd.Flags().GetStringSlice("label")
		opts.OwnerID, _ = cmd.Flags().GetString("owner")
		opts.Roots, _ = cmd.Flags().GetBool("roots")

		wants, err := newClient().ListWants(cmd.Context(), opts)
		if err != nil {
			return err
		}

		w := newTable(cmd.OutOrStdout(), "ID", "NAME", "TYPE", "STATUS", "OWNER")
		for _, want := range wants {
			owner := want.OwnerID()
			if owner == "" {
				owner = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				want.Metadata.ID,
				want.Metadata.Name,
				want.Metadata.Type,
				want.Status,
				owner,
			)
		}
		return w.Flush()
	},
}

var getWantCmd = &cobra.Command{
	Use:               "get [id]",
	Aliases:           []string{"g"},
	Short:             "Get want details",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeWantIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		want, err := newClient().GetWant(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(out, want)
		}

		fmt.Fprintf(out, "ID: %s\n", want.Metadata.ID)
		fmt.Fprintf(out, "Name: %s\n", want.Metadata.Name)
		fmt.Fprintf(out, "Type: %s\n", want.Metadata.Type)
		fmt.Fprintf(out, "Status: %s\n", want.Status)
		fmt.Fprintf(out, "Version: %d\n", want.Metadata.Version)
		if owner := want.OwnerID(); owner != "" {
			fmt.Fprintf(out, "Owner: %s\n", owner)
		}
		if qid := want.EngineState.ReactionQueueID; qid != "" {
			fmt.Fprintf(out, "Pending reaction: %s\n", qid)
		}
		if len(want.Metadata.Labels) > 0 {
			fmt.Fprintln(out, "\nLabels:")
			for k, v := range want.Metadata.Labels {
				fmt.Fprintf(out, "  %s=%s\n", k, v)
			}
		}
		if len(want.Spec.Params) > 0 {
			fmt.Fprintln(out, "\nParams:")
			printMap(out, want.Spec.Params)
		}
		if len(want.State) > 0 {
			fmt.Fprintln(out, "\nState:")
			printMap(out, want.State)
		}
		if h := want.History.AgentHistory; len(h) > 0 {
			fmt.Fprintln(out, "\nAgent history:")
			for _, e := range h {
				fmt.Fprintf(out, "  %s  %s  %s  %s\n", e.StartTime.Format("2006-01-02T15:04:05Z07:00"), e.AgentName, e.Trigger, e.Status)
			}
		}
		return nil
	},
}

// readWantFile decodes one want, or a list of wants under "wants:", from a
// YAML or JSON file.
func readWantFile(path string) ([]*mywant.Want, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc struct {
		Wants []*mywant.Want `yaml:"wants" json:"wants"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		if jerr := json.Unmarshal(data, &doc); jerr != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if len(doc.Wants) > 0 {
		return doc.Wants, nil
	}
	var single mywant.Want
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if single.Metadata.Name == "" && single.Metadata.Type == "" {
		return nil, fmt.Errorf("%s contains no wants", path)
	}
	return []*mywant.Want{&single}, nil
}

var createWantCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create wants from a YAML or JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file flag is required")
		}
		wants, err := readWantFile(file)
		if err != nil {
			return err
		}

		c := newClient()
		for _, w := range wants {
			created, err := c.CreateWant(cmd.Context(), w)
			if err != nil {
				return fmt.Errorf("failed to create want %q: %w", w.Metadata.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created want %s (%s)\n", created.Metadata.ID, created.Metadata.Name)
		}
		return nil
	},
}

var deleteWantCmd = &cobra.Command{
	Use:               "delete [id]",
	Aliases:           []string{"d", "rm"},
	Short:             "Delete a want and its blocking descendants",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeWantIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteWant(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Want %s deleted\n", args[0])
		return nil
	},
}

var labelWantCmd = &cobra.Command{
	Use:   "label [id] key=value... | key-",
	Short: "Add labels, or remove them with a trailing '-'",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		id := args[0]
		for _, raw := range args[1:] {
			if key, ok := strings.CutSuffix(raw, "-"); ok && !strings.ContainsAny(key, "=:") {
				if _, err := c.RemoveLabel(cmd.Context(), id, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed label %s\n", key)
				continue
			}
			k, v, err := parseLabel(raw)
			if err != nil {
				return err
			}
			if _, err := c.AddLabel(cmd.Context(), id, k, v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Labeled %s=%s\n", k, v)
		}
		return nil
	},
}

func controlCmd(use, short, verb string, op func(*client.Client, *cobra.Command, string) (*mywant.Want, error)) *cobra.Command {
	return &cobra.Command{
		Use:               use + " [id]...",
		Short:             short,
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completeWantIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			for _, id := range args {
				w, err := op(c, cmd, id)
				if err != nil {
					return fmt.Errorf("failed to %s want %s: %w", use, id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Want %s %s (status %s)\n", id, verb, w.Status)
			}
			return nil
		},
	}
}

var suspendWantsCmd = controlCmd("suspend", "Suspend wants", "suspended",
	func(c *client.Client, cmd *cobra.Command, id string) (*mywant.Want, error) {
		return c.SuspendWant(cmd.Context(), id)
	})

var resumeWantsCmd = controlCmd("resume", "Resume suspended wants", "resumed",
	func(c *client.Client, cmd *cobra.Command, id string) (*mywant.Want, error) {
		return c.ResumeWant(cmd.Context(), id)
	})

var stopWantsCmd = controlCmd("stop", "Stop wants", "stopped",
	func(c *client.Client, cmd *cobra.Command, id string) (*mywant.Want, error) {
		return c.StopWant(cmd.Context(), id)
	})

var reparentWantCmd = &cobra.Command{
	Use:   "reparent [id] [parent-id]",
	Short: "Move a want under a new owner, or detach it when parent-id is omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent := ""
		if len(args) == 2 {
			parent = args[1]
		}
		w, err := newClient().Reparent(cmd.Context(), args[0], parent)
		if err != nil {
			return err
		}
		if parent == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Want %s detached\n", w.Metadata.ID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Want %s now owned by %s\n", w.Metadata.ID, parent)
		}
		return nil
	},
}

func init() {
	WantsCmd.AddCommand(listWantsCmd)
	WantsCmd.AddCommand(getWantCmd)
	WantsCmd.AddCommand(createWantCmd)
	WantsCmd.AddCommand(deleteWantCmd)
	WantsCmd.AddCommand(labelWantCmd)
	WantsCmd.AddCommand(suspendWantsCmd)
	WantsCmd.AddCommand(resumeWantsCmd)
	WantsCmd.AddCommand(stopWantsCmd)
	WantsCmd.AddCommand(reparentWantCmd)

	listWantsCmd.Flags().StringP("type", "t", "", "Filter by want type")
	listWantsCmd.Flags().StringSliceP("status", "s", nil, "Filter by status (repeatable or comma separated)")
	listWantsCmd.Flags().StringSliceP("label", "l", nil, "Filter by label key:value (repeatable)")
	listWantsCmd.Flags().String("owner", "", "Only children of this want")
	listWantsCmd.Flags().Bool("roots", false, "Only wants without an owner")
	getWantCmd.Flags().Bool("json", false, "Print the raw want as JSON")
	createWantCmd.Flags().StringP("file", "f", "", "Path to YAML/JSON want file")
}
