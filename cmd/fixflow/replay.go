package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/fixflow/eventlog"
)

func (a *app) replayCmd() *cobra.Command {
	var eventDB string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "replay <message_history.json | session-id>",
		Short: "Print a run's events in event_id order",
		Long: `Replay prints the events of a run ordered by event_id. The argument is a
message_history.json file, or a session id when --event-db is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []eventlog.Event
			if eventDB != "" {
				sink, err := eventlog.NewSQLiteSink(eventDB)
				if err != nil {
					return usageError(err)
				}
				defer sink.Close()
				events, err = sink.Events(cmd.Context(), args[0])
				if err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				if len(events) == 0 {
					return &exitError{code: exitFailed, err: fmt.Errorf("no events for session %q", args[0])}
				}
			} else {
				doc, err := eventlog.Load(args[0])
				if err != nil {
					return usageError(err)
				}
				events = doc.Timeline()
			}

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			return printTimeline(a.stdout, events)
		},
	}
	cmd.Flags().StringVar(&eventDB, "event-db", "", "Read events from this SQLite mirror instead of a JSON file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as a JSON array")
	return cmd
}

func printTimeline(w io.Writer, events []eventlog.Event) error {
	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%4d  %s  %-24s %-14s %s\n",
			ev.EventID, ev.Timestamp.Format(time.RFC3339Nano), ev.AgentName, ev.EventType, data); err != nil {
			return err
		}
	}
	return nil
}
