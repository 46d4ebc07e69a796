package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"

	"github.com/onelittlenightmusic/MyWant-sub007/pkg/client"
)

func newClient() *client.Client {
	return client.NewClient(viper.GetString("server"))
}

func newTable(out io.Writer, header ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	return w
}

// printMap prints a map with sorted keys, nested values as JSON.
func printMap(out io.Writer, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		switch v.(type) {
		case map[string]any, []any:
			b, _ := json.Marshal(v)
			fmt.Fprintf(out, "  %s: %s\n", k, b)
		default:
			fmt.Fprintf(out, "  %s: %v\n", k, v)
		}
	}
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}

// parseLabel splits "key=value" or "key:value".
func parseLabel(raw string) (string, string, error) {
	if k, v, ok := strings.Cut(raw, "="); ok && k != "" {
		return k, v, nil
	}
	if k, v, ok := strings.Cut(raw, ":"); ok && k != "" {
		return k, v, nil
	}
	return "", "", fmt.Errorf("invalid label %q (want key=value)", raw)
}
