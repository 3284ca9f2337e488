package cli

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/ctw/internal/archive"
	"github.com/atlasmap-sc/ctw/internal/worksheet"
)

func (a *app) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CTW_PATH",
		Short: "List the contents of a worksheet archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := archive.List(args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			var manifestPath string
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(tw, "%s\t-\n", e.Name)
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\n", e.Name, e.Size)
				if path.Base(e.Name) == worksheet.FileManifest && strings.Count(e.Name, "/") == 1 {
					manifestPath = e.Name
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if manifestPath == "" {
				return nil
			}

			raw, err := archive.ReadFile(args[0], manifestPath)
			if err != nil {
				return err
			}
			m, err := worksheet.ReadManifest(bytes.NewReader(raw))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "\nworksheet %s: %d cells, %d genes, %s expression, %d marker rows (%s)\n",
				m.Name, m.Cells, m.Genes, m.ExpressionSource, m.MarkerRows, m.MarkerMethod)
			tw = tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "cluster\tsize\tcolor\tcell_type")
			for _, c := range m.Clusters {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.Name, c.Size, c.Color, c.CellType)
			}
			return tw.Flush()
		},
	}
}
