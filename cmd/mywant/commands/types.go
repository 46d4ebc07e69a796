package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var TypesCmd = &cobra.Command{
	Use:     "types",
	Aliases: []string{"t"},
	Short:   "Inspect registered want types",
}

var listTypesCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"l", "ls"},
	Short:   "List want types",
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := newClient().ListWantTypes(cmd.Context())
		if err != nil {
			return err
		}
		w := newTable(cmd.OutOrStdout(), "NAME", "CATEGORY", "AGENT", "ON DENIAL", "TITLE")
		for _, d := range defs {
			onDenial := string(d.Reaction.OnDenial)
			if onDenial == "" {
				onDenial = "terminated"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.Metadata.Name,
				d.Metadata.Category,
				d.AgentName(),
				onDenial,
				d.Metadata.Title,
			)
		}
		return w.Flush()
	},
}

var getTypeCmd = &cobra.Command{
	Use:     "get [name]",
	Aliases: []string{"g"},
	Short:   "Show a want type and its parameters",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().GetWantType(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name: %s\n", d.Metadata.Name)
		if d.Metadata.Title != "" {
			fmt.Fprintf(out, "Title: %s\n", d.Metadata.Title)
		}
		if d.Metadata.Description != "" {
			fmt.Fprintf(out, "Description: %s\n", d.Metadata.Description)
		}
		fmt.Fprintf(out, "Agent: %s\n", d.AgentName())
		if len(d.Parameters) == 0 {
			return nil
		}

		fmt.Fprintln(out, "\nParameters:")
		w := newTable(out, "  NAME", "TYPE", "REQUIRED", "DEFAULT", "RULES")
		for _, p := range d.Parameters {
			var rules []string
			if p.Validation.Min != nil {
				rules = append(rules, fmt.Sprintf("min=%v", *p.Validation.Min))
			}
			if p.Validation.Max != nil {
				rules = append(rules, fmt.Sprintf("max=%v", *p.Validation.Max))
			}
			if p.Validation.Pattern != "" {
				rules = append(rules, "pattern="+p.Validation.Pattern)
			}
			if len(p.Validation.Enum) > 0 {
				rules = append(rules, fmt.Sprintf("enum=%v", p.Validation.Enum))
			}
			def := "-"
			if p.Default != nil {
				def = fmt.Sprint(p.Default)
			}
			fmt.Fprintf(w, "  %s\t%s\t%v\t%s\t%s\n", p.Name, p.Type, p.Required, def, strings.Join(rules, " "))
		}
		return w.Flush()
	},
}

func init() {
	TypesCmd.AddCommand(listTypesCmd)
	TypesCmd.AddCommand(getTypeCmd)
}
