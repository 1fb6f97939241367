package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// NewTemplateCmd создаёт группу команд для управления шаблонами.
func NewTemplateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage templates",
	}

	cmd.AddCommand(
		newTemplateImportCmd(clientFn, outputFn),
		newTemplateListCmd(clientFn, outputFn),
		newTemplateShowCmd(clientFn, outputFn),
	)

	return cmd
}

var templateHeaders = []string{"ID", "NAME", "TYPE", "INPUTS", "OUTPUTS", "CREATED"}

func templateRow(t TemplateResponse) []string {
	return []string{t.ID, t.Name, t.Type, channelNames(t.Inputs), channelNames(t.Outputs), formatTime(t.CreatedAt)}
}

func channelNames(channels []map[string]any) string {
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		if name, ok := ch["channel"].(string); ok {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

func newTemplateImportCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import a template from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}

			tmpl, err := client.ImportTemplate(doc)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Template imported: %s@%s", tmpl.Name, shortID(tmpl.ID)))
			out.Print(templateHeaders, [][]string{templateRow(*tmpl)}, tmpl)
			return nil
		},
	}
}

func newTemplateListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			templates, err := client.ListTemplates(limit)
			if err != nil {
				return err
			}

			rows := make([][]string, len(templates))
			for i, t := range templates {
				rows[i] = templateRow(t)
			}

			out.Print(templateHeaders, rows, templates)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newTemplateShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show template details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tmpl, err := client.GetTemplate(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(tmpl)
				return nil
			}
			out.Table(templateHeaders, [][]string{templateRow(*tmpl)})
			if tmpl.Command != "" {
				out.Section("Command")
				out.Line(tmpl.Command)
			}
			if len(tmpl.Steps) > 0 {
				out.Section("Steps")
				for _, id := range tmpl.Steps {
					out.Line(id)
				}
			}
			return nil
		},
	}
}
