package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/topology"
	"github.com/spf13/cobra"
)

var (
	runsLimit  int
	showLines  int
	rmForce    bool
	initForce  bool
	initOutput string
)

func init() {
	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to show (0 for all)")
	runsRmCmd := &cobra.Command{
		Use:   "rm RUN_ID",
		Short: "Delete a recorded run with its snapshot and log lines",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsRm,
	}
	runsRmCmd.Flags().BoolVar(&rmForce, "force", false, "delete even if the run looks active")
	runsCmd.AddCommand(runsRmCmd)
	rootCmd.AddCommand(runsCmd)

	// show command
	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the stage timeline and log tail of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().IntVar(&showLines, "lines", 20, "number of log lines to show (0 for all)")
	rootCmd.AddCommand(showCmd)

	// topologies command
	topologiesCmd := &cobra.Command{
		Use:   "topologies",
		Short: "List available pipeline topologies",
		RunE:  runTopologies,
	}
	rootCmd.AddCommand(topologiesCmd)

	// config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		RunE:  runConfigInit,
	}
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().StringVar(&initOutput, "output", "", "file to write (default: --config or the user config path)")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPOLOGY\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		started := "-"
		if r.StartedAt != nil {
			started = humanize.Time(*r.StartedAt)
		}
		duration := "-"
		if r.FinishedAt != nil {
			duration = display.FormatDuration(r.Duration())
		}
		errMsg := "-"
		if r.Error != "" {
			errMsg = truncate(r.Error, 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID[:min(8, len(r.ID))], r.Topology, r.Status, started, duration, errMsg)
	}
	w.Flush()

	return nil
}

func runRunsRm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.FindRun(args[0])
	if err != nil {
		return err
	}
	if !run.Status.Finished() && !rmForce {
		return fmt.Errorf("run %s is %s (use --force to delete anyway)", run.ID, run.Status)
	}
	if err := store.DeleteRun(run.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", run.ID)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.FindRun(args[0])
	if err != nil {
		return err
	}
	snap, err := store.GetSnapshot(run.ID)
	if err != nil {
		return err
	}
	lines, err := store.ListLines(run.ID, showLines)
	if err != nil {
		return err
	}

	display.UsePlainOutput()
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Topology: %s\n", run.Topology)
	fmt.Printf("Status:   %s\n", run.Status)
	if run.StartedAt != nil {
		fmt.Printf("Started:  %s (%s)\n", run.StartedAt.Format(time.DateTime), humanize.Time(*run.StartedAt))
	}
	if run.FinishedAt != nil {
		fmt.Printf("Duration: %s\n", display.FormatDuration(run.Duration()))
	}
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}

	now := time.Now()
	if run.FinishedAt != nil {
		now = *run.FinishedAt
	}
	fmt.Println()
	fmt.Println(display.Timeline{Now: now}.Render(snap))

	if len(lines) > 0 {
		fmt.Println()
		for _, l := range lines {
			fmt.Println(display.RenderLine(l))
		}
	}
	return nil
}

func runTopologies(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	wd, _ := os.Getwd()
	loader := topology.DefaultLoader(wd)
	names, err := loader.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTAGES\tDESCRIPTION")
	for _, name := range names {
		t, err := loader.Load(name)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t(invalid: %v)\n", name, err)
			continue
		}
		marker := ""
		if name == cfg.General.Topology && cfg.General.TopologyFile == "" {
			marker = " *"
		}
		fmt.Fprintf(w, "%s%s\t%d\t%s\n", name, marker, len(t.Stages), truncate(t.Description, 60))
	}
	w.Flush()

	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := initOutput
	if path == "" {
		path = configPath
	}
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.Default().Save(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
