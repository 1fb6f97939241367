package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunKillCmd(clientFn, outputFn),
		newRunTasksCmd(clientFn, outputFn),
	)

	return cmd
}

func runRow(r RunResponse) []string {
	return []string{r.ID, r.Name, r.StatusLabel, r.Postprocessing, formatTime(r.CreatedAt)}
}

var runHeaders = []string{"ID", "NAME", "STATUS", "POSTPROCESSING", "CREATED"}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(r)
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (WAITING, RUNNING, FINISHED, FAILED, KILLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string
	var inputs []string
	var notify []string

	cmd := &cobra.Command{
		Use:   "start TEMPLATE",
		Short: "Start a run from a template (ID, name or name@idprefix)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := StartRunRequest{
				Template:              args[0],
				Name:                  name,
				NotificationAddresses: notify,
			}

			if len(inputs) > 0 {
				parsed, err := ParseInputs(inputs)
				if err != nil {
					return err
				}
				req.Inputs = parsed
			}

			run, err := client.StartRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Run name (template name if not specified)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Input values as CHANNEL=VALUE (repeatable, VALUE may be a JSON list)")
	cmd.Flags().StringSliceVar(&notify, "notify", nil, "Email or URL to notify on completion (repeatable)")

	return cmd
}

// ParseInputs разбирает пары CHANNEL=VALUE.
// Значение, начинающееся с '[', читается как JSON список.
func ParseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		channel, value, ok := strings.Cut(kv, "=")
		if !ok || channel == "" {
			return nil, fmt.Errorf("invalid input format %q, expected CHANNEL=VALUE", kv)
		}
		if _, dup := inputs[channel]; dup {
			return nil, fmt.Errorf("input %q is set more than once", channel)
		}
		if strings.HasPrefix(strings.TrimSpace(value), "[") {
			var list []any
			if err := json.Unmarshal([]byte(value), &list); err != nil {
				return nil, fmt.Errorf("input %q: invalid JSON list: %w", channel, err)
			}
			inputs[channel] = list
			continue
		}
		inputs[channel] = value
	}
	return inputs, nil
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(run)
				return nil
			}

			out.Details(
				Field{"Run", run.Name + "@" + shortID(run.ID)},
				Field{"ID", run.ID},
				Field{"Type", run.Type},
				Field{"Status", run.StatusLabel},
				Field{"Postprocessing", run.Postprocessing},
				Field{"Template", run.TemplateID},
				Field{"Parent", run.ParentID},
				Field{"Created", formatTime(run.CreatedAt)},
				Field{"Started", formatTime(run.StartedAt)},
				Field{"Finished", formatTime(run.FinishedAt)},
			)

			if len(run.Children) > 0 {
				out.Section("Steps")
				rows := make([][]string, len(run.Children))
				for i, c := range run.Children {
					rows[i] = runRow(c)
				}
				out.Table(runHeaders, rows)
			}

			channels := make([][]string, 0, len(run.Inputs)+len(run.Outputs))
			for _, ch := range run.Inputs {
				channels = append(channels, channelRow("input", ch))
			}
			for _, ch := range run.Outputs {
				channels = append(channels, channelRow("output", ch))
			}
			if len(channels) > 0 {
				out.Section("Channels")
				out.Table([]string{"DIRECTION", "CHANNEL", "TYPE", "READY", "DATA"}, channels)
			}

			if len(run.Events) > 0 {
				out.Section("Events")
				rows := make([][]string, len(run.Events))
				for i, e := range run.Events {
					rows[i] = []string{formatTime(e.Timestamp), e.Event, yesNo(e.IsError), e.Detail}
				}
				out.Table([]string{"TIME", "EVENT", "ERROR", "DETAIL"}, rows)
			}
			return nil
		},
	}
}

func channelRow(direction string, ch ChannelData) []string {
	data := ""
	if ch.Data != nil {
		b, _ := json.Marshal(ch.Data)
		data = string(b)
	}
	return []string{direction, ch.Channel, ch.Type, yesNo(ch.Ready), truncate(data)}
}

func newRunKillCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var detail string

	cmd := &cobra.Command{
		Use:   "kill ID",
		Short: "Kill a run and all its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.KillRun(args[0], detail)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run killed: %s", run.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&detail, "detail", "", "Reason recorded in the run events")

	return cmd
}

func newRunTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks RUN_ID",
		Short: "List tasks of a step run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "KEY", "STATUS", "ATTEMPTS", "LAST ERROR"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{t.ID, t.Key, t.Status, strconv.Itoa(t.AttemptCount), lastError(t)}
			}

			out.Print(headers, rows, tasks)
			return nil
		},
	}
}

func lastError(t TaskResponse) string {
	for i := len(t.Attempts) - 1; i >= 0; i-- {
		if errs := t.Attempts[i].Errors; len(errs) > 0 {
			return errs[len(errs)-1].Message
		}
	}
	return ""
}
