package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/spa-prerender/internal/prerender"
)

func newRoutesCmd() *cobra.Command {
	var unique bool
	cmd := &cobra.Command{
		Use:   "routes [file.html...]",
		Short: "Print the routes link discovery would find in HTML documents",
		Long: `Reads each file (or stdin when none or "-" is given) and prints every
path-absolute link, one per line, exactly as discover_new_routes would
queue them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"-"}
			}
			seen := make(map[string]struct{})
			out := cmd.OutOrStdout()
			for _, name := range args {
				html, err := readDocument(cmd, name)
				if err != nil {
					return err
				}
				for _, route := range prerender.FindRoutes(html) {
					if unique {
						if _, ok := seen[route]; ok {
							continue
						}
						seen[route] = struct{}{}
					}
					if _, err := fmt.Fprintln(out, route); err != nil {
						return fmt.Errorf("write route: %w", err)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unique, "unique", false, "print each route once")
	return cmd
}

func readDocument(cmd *cobra.Command, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(name) // #nosec G304 -- user-supplied document path.
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}
