package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"taro/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	flagHistoryID     string
	flagHistorySort   string
	flagHistoryAsc    bool
	flagHistoryLimit  int
	flagHistoryLast   bool
	flagHistoryOutput string
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist"},
	Short:   "Show finished job instances",
	Args:    cobra.NoArgs,
	RunE:    doHistory,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove history records exceeding persistence.max_age or persistence.max_records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return application.service.Clean(cmd.Context())
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove history records of jobs or instances matching the pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return application.service.Remove(cmd.Context(), args[0])
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List persistence backends, the active one marked with *",
	Args:  cobra.NoArgs,
	RunE:  doBackends,
}

func init() {
	historyCmd.Flags().StringVar(&flagHistoryID, "id", "", "job or instance id pattern")
	historyCmd.Flags().StringVarP(&flagHistorySort, "sort", "s", "created", "sort by created, finished or time")
	historyCmd.Flags().BoolVarP(&flagHistoryAsc, "asc", "a", false, "ascending order")
	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 0, "maximum number of records, 0 for all")
	historyCmd.Flags().BoolVarP(&flagHistoryLast, "last", "l", false, "only the last instance of each job")
	historyCmd.Flags().StringVarP(&flagHistoryOutput, "output", "o", "table", "output format: table, json or yaml")
}

func doHistory(cmd *cobra.Command, _ []string) error {
	sort, err := domain.ParseSortCriteria(flagHistorySort)
	if err != nil {
		return err
	}
	jobs, err := application.service.History(cmd.Context(), domain.ReadOptions{
		ID:    flagHistoryID,
		Sort:  sort,
		Asc:   flagHistoryAsc,
		Limit: flagHistoryLimit,
		Last:  flagHistoryLast,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch flagHistoryOutput {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	case "yaml":
		return writeYAML(out, jobs)
	case "table":
		return writeTable(out, jobs, time.Now())
	default:
		return errors.WithHint(errors.Newf("unknown output format %q", flagHistoryOutput), "use table, json or yaml")
	}
}

// writeYAML renders values through their JSON form so that custom JSON encodings are kept.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func writeTable(w io.Writer, jobs []domain.JobInfo, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tINSTANCE ID\tCREATED\tEXECUTION TIME\tSTATE\tWARNINGS\tSTATUS")
	for _, j := range jobs {
		created, _ := j.Lifecycle.Created()
		execTime := "N/A"
		if d, ok := j.Lifecycle.ExecutionTime(now); ok {
			execTime = d.Round(time.Millisecond).String()
		}
		status := j.Status
		if j.ExecError != nil {
			status = j.ExecError.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID(), j.InstanceID(), created.Local().Format(time.DateTime), execTime,
			j.State(), formatWarnings(j.Warnings), status)
	}
	return tw.Flush()
}

func formatWarnings(warnings map[string]int) string {
	parts := make([]string, 0, len(warnings))
	for _, name := range slices.Sorted(maps.Keys(warnings)) {
		parts = append(parts, fmt.Sprintf("%s: %d", name, warnings[name]))
	}
	return strings.Join(parts, ", ")
}

func doBackends(cmd *cobra.Command, _ []string) error {
	active := application.manager.Settings()
	out := cmd.OutOrStdout()
	for _, name := range application.catalog.Names() {
		marker := " "
		if active.Enabled && name == active.Type {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, name)
	}
	return nil
}
