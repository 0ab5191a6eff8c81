package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/opsflow/pkg/engine"
	"github.com/openfroyo/opsflow/pkg/stores"
)

// writeStructured writes v as JSON or YAML. YAML keeps the JSON field names
// and their order.
func writeStructured(w io.Writer, format string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return fmt.Errorf("failed to convert output: %w", err)
		}
		blockStyle(&node)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&node); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// blockStyle drops the flow style JSON input leaves on collections.
func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}
	if n.Kind == yaml.ScalarNode && n.Style == yaml.DoubleQuotedStyle && !strings.ContainsAny(n.Value, "\n") {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func validateOutputFormat() error {
	switch outputFormat {
	case "text", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s (use text, json or yaml)", outputFormat)
	}
}

// printOutcome reports the result of start or resume.
func printOutcome(w io.Writer, out *engine.Outcome) error {
	if outputFormat != "text" {
		return writeStructured(w, outputFormat, out)
	}

	rec := out.Record
	fmt.Fprintf(w, "Session: %s\n", rec.SessionID)
	fmt.Fprintf(w, "State:   %s\n", rec.State)

	if out.Suspended() {
		fmt.Fprintf(w, "\n%s\n\n", out.Suspension.Message)
		for _, f := range out.Suspension.Fields {
			fmt.Fprintf(w, "  %-28s %s\n", f.Key, f.Description)
		}
		fmt.Fprintf(w, "\nResume with:\n  opsflow resume %s --answer \"<value>, <value>\"\n", rec.SessionID)
		return nil
	}

	if rec.LastError != "" {
		fmt.Fprintf(w, "Error:   %s\n", rec.LastError)
	}
	printTasks(w, rec)
	return nil
}

// printRecord shows a stored session.
func printRecord(w io.Writer, rec *engine.ExecutionRecord) error {
	if outputFormat != "text" {
		return writeStructured(w, outputFormat, rec)
	}

	fmt.Fprintf(w, "Session:  %s\n", rec.SessionID)
	fmt.Fprintf(w, "State:    %s (version %d)\n", rec.State, rec.Version)
	if rec.Username != "" {
		fmt.Fprintf(w, "User:     %s\n", rec.Username)
	}
	fmt.Fprintf(w, "Created:  %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:  %s\n", rec.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Goal:     %s\n", rec.OriginalGoal)
	if rec.RefinedGoal != "" {
		fmt.Fprintf(w, "Refined:  %s\n", rec.RefinedGoal)
	}
	if rec.WorkingDir != "" {
		fmt.Fprintf(w, "Work dir: %s\n", rec.WorkingDir)
	}
	if rec.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", rec.LastError)
	}

	if len(rec.MissingFields) > 0 {
		fmt.Fprintln(w, "\nValues:")
		for _, f := range rec.MissingFields {
			value := rec.FilledValues[f.Key]
			if value == "" {
				value = "(pending)"
			}
			fmt.Fprintf(w, "  %-28s %s\n", f.Key, value)
		}
	}

	printTasks(w, rec)
	return nil
}

func printTasks(w io.Writer, rec *engine.ExecutionRecord) {
	if len(rec.TaskPlan) == 0 {
		return
	}

	fmt.Fprintln(w, "\nTasks:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tTYPE\tSTATUS\tDESCRIPTION")
	for _, t := range rec.TaskPlan {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", t.ID, t.Type, t.Status, t.Description)
	}
	_ = tw.Flush()

	for _, t := range rec.TaskPlan {
		printTaskDetail(w, t)
	}

	if s := rec.Summary; s != nil {
		fmt.Fprintf(w, "\n%d tasks: %d succeeded, %d failed, %d not attempted (%s)\n",
			s.TotalTasks, s.SucceededTasks, s.FailedTasks, s.NotAttemptedTasks, s.Duration.Round(time.Millisecond))
	}
}

func printTaskDetail(w io.Writer, t *engine.Task) {
	var lines []string
	for _, c := range t.Commands {
		line := fmt.Sprintf("$ %s  [%s]", c.Command, c.Status)
		if c.ExecutionResult != nil && c.ExecutionResult.Error != "" {
			line += "\n      " + c.ExecutionResult.Error
		}
		for _, p := range c.MissingParameters {
			line += "\n      missing " + p.Name
		}
		lines = append(lines, line)
	}
	if t.Code != nil && t.Code.ExecutionResult != nil && t.Code.ExecutionResult.Final != nil {
		lines = append(lines, fmt.Sprintf("result: %v", t.Code.ExecutionResult.Final.Result))
	}
	if t.Research != nil && t.Research.Result != nil && t.Research.Result.Result != "" {
		lines = append(lines, t.Research.Result.Result)
	}
	if t.Error != "" {
		lines = append(lines, "error: "+t.Error)
	}
	if len(lines) == 0 {
		return
	}

	fmt.Fprintf(w, "\n[%s] %s\n", t.ID, t.Description)
	for _, l := range lines {
		fmt.Fprintf(w, "    %s\n", l)
	}
}

// printSessions lists stored sessions.
func printSessions(w io.Writer, sessions []*stores.SessionSummary) error {
	if outputFormat != "text" {
		return writeStructured(w, outputFormat, sessions)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tUPDATED\tGOAL")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.SessionID, s.State, s.UpdatedAt.Format(time.RFC3339), truncate(s.OriginalGoal, 60))
	}
	return tw.Flush()
}

// printEvents writes a session's audit log.
func printEvents(w io.Writer, events []*engine.Event) error {
	if outputFormat != "text" {
		return writeStructured(w, outputFormat, events)
	}

	for _, e := range events {
		task := ""
		if e.TaskID != "" {
			task = " [" + e.TaskID + "]"
		}
		fmt.Fprintf(w, "%s %-7s %-18s%s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Type, task, e.Message)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
