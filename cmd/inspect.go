package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/agentic-research/kubefs/internal/graph"
	"github.com/agentic-research/kubefs/internal/render"
	"github.com/agentic-research/kubefs/internal/snapshot"
)

var inspectPaths bool

func init() {
	inspectCmd.Flags().BoolVar(&inspectPaths, "paths", false, "List every projected path instead of the summary table")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Take a snapshot and print what would be mounted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := newSource(cfg, logger)
		if err != nil {
			return err
		}
		snap, err := takeSnapshot(cmd.Context(), cfg, src, logger, nil)
		if err != nil {
			return err
		}
		r, err := render.New(snap.Tree, render.Options{
			CacheSize:      cfg.Render.CacheSize,
			ManifestFields: cfg.Render.FieldPaths(),
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if inspectPaths {
			return writePaths(out, snap.Tree)
		}
		return writeSummary(out, snap, r)
	},
}

// writeSummary prints one row per namespace/kind directory followed by any
// snapshot warnings.
func writeSummary(w io.Writer, snap *snapshot.Snapshot, r *render.Renderer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAMESPACE", "KIND", "OBJECTS", "SIZE"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	var objects int
	var total uint64
	for _, ns := range snap.Tree.Root().Children() {
		for _, dir := range ns.Children() {
			if dir.Kind != graph.KindDir {
				continue
			}
			var size uint64
			for _, f := range dir.Children() {
				size += r.Size(f)
			}
			objects += len(dir.Children())
			total += size
			table.Append([]string{ns.Name, dir.Name, strconv.Itoa(len(dir.Children())), humanize.Bytes(size)})
		}
	}
	table.Render()

	fmt.Fprintf(w, "\n%d namespaces, %d objects, %s rendered, %d inodes\n",
		len(snap.Tree.Namespaces()), objects, humanize.Bytes(total), snap.Tree.Len())
	if len(snap.Warnings) > 0 {
		fmt.Fprintf(w, "\n%d warnings:\n", len(snap.Warnings))
		for _, warn := range snap.Warnings {
			fmt.Fprintf(w, "  %s\n", warn.Error())
		}
	}
	return nil
}

// writePaths prints every node's mount path in inode order.
func writePaths(w io.Writer, tree *graph.Tree) error {
	return tree.Walk(func(n *graph.Node) error {
		p := "/" + n.ID
		if n.IsDir() && n.ID != "" {
			p += "/"
		}
		_, err := fmt.Fprintf(w, "%6d  %s\n", n.Ino, p)
		return err
	})
}
