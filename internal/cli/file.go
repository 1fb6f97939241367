package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewFileCmd создаёт группу команд для работы с файлами.
func NewFileCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Manage files",
	}

	cmd.AddCommand(newFileImportCmd(clientFn, outputFn))

	return cmd
}

func newFileImportCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var comments string

	cmd := &cobra.Command{
		Use:   "import PATH...",
		Short: "Import local files for use as run inputs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			imported := make([]*FileResponse, 0, len(args))
			rows := make([][]string, 0, len(args))
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				res, err := client.ImportFile(filepath.Base(path), f, comments)
				f.Close()
				if err != nil {
					return err
				}

				out.Success(fmt.Sprintf("File imported: %s@%s", res.Filename, shortID(res.ID)))
				imported = append(imported, res)
				rows = append(rows, []string{res.ID, res.Filename, res.MD5, res.UploadStatus})
			}

			out.Print([]string{"ID", "FILENAME", "MD5", "STATUS"}, rows, imported)
			return nil
		},
	}

	cmd.Flags().StringVar(&comments, "comments", "", "Import comments stored with the file")

	return cmd
}
