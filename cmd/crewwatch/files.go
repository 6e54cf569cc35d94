package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/crewwatch/internal/artifacts"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/spf13/cobra"
)

var filesDir string

func init() {
	filesCmd := &cobra.Command{
		Use:   "files [STAGE [FILE]]",
		Short: "List the output files of each stage, or print one file",
		Long: `List the files the pipeline wrote to each stage's output folder.

With a stage id only that stage is listed. With a stage id and a file
name the file's content is printed.`,
		Args: cobra.MaximumNArgs(2),
		RunE: runFiles,
	}
	filesCmd.Flags().StringVar(&filesDir, "dir", "", "pipeline directory (default from config)")
	rootCmd.AddCommand(filesCmd)
}

func runFiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	topo, err := loadTopology(cfg)
	if err != nil {
		return err
	}

	dir := filesDir
	if dir == "" {
		dir = cfg.Pipeline.Dir
	}
	lister := artifacts.NewLister(dir, topo)

	switch len(args) {
	case 2:
		_, data, err := lister.Read(domain.StageID(args[0]), args[1])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	case 1:
		sf, err := lister.Stage(domain.StageID(args[0]))
		if err != nil {
			return err
		}
		return printFiles(os.Stdout, []artifacts.StageFiles{sf}, time.Now())
	default:
		all, err := lister.All()
		if err != nil {
			return err
		}
		return printFiles(os.Stdout, all, time.Now())
	}
}

// printFiles writes one table row per file, grouped by stage
func printFiles(out io.Writer, stages []artifacts.StageFiles, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tFILE\tTITLE\tSIZE\tMODIFIED")
	for _, sf := range stages {
		if len(sf.Files) == 0 {
			note := "(no files yet)"
			if sf.Path == "" {
				note = "(no output folder)"
			}
			fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", sf.ID, note)
			continue
		}
		for _, f := range sf.Files {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				sf.ID, f.Name, f.Title, humanize.Bytes(uint64(f.Size)), humanize.RelTime(f.ModTime, now, "ago", "from now"))
		}
	}
	return w.Flush()
}
