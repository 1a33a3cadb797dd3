package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/cli/appctx"
)

var editCmd = &cobra.Command{
	Use:   "edit <address>",
	Short: "Edit the proposed replacement for a match",
	Long: `Opens the proposed replacement for a match in $EDITOR. The saved text
replaces the proposal and is what apply writes. With --file the new text is
read from a file instead, - meaning stdin.

Examples:
  matchq edit 'match:///src/app.ts?scheme=file&matchId=0&gen=3'
  matchq show $ADDR | sed 's/foo/bar/' | matchq edit $ADDR --file -
`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runEdit),
}

var editFile string

func init() {
	rootCmd.AddCommand(editCmd)

	editCmd.Flags().StringVarP(&editFile, "file", "f", "", "Read the replacement from a file (- for stdin)")
}

func runEdit(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	addr := args[0]

	current, err := app.Client.Content(ctx, addr)
	if err != nil {
		return err
	}

	var edited string
	switch editFile {
	case "":
		edited, err = editInEditor(current.Content, current.File)
	case "-":
		var data []byte
		data, err = io.ReadAll(cmd.InOrStdin())
		edited = string(data)
	default:
		var data []byte
		data, err = os.ReadFile(editFile)
		edited = string(data)
	}
	if err != nil {
		return err
	}

	if edited == current.Content {
		fmt.Fprintln(cmd.ErrOrStderr(), "No changes")
		return nil
	}
	v, err := app.Client.WriteContent(ctx, addr, edited)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s #%d\n", v.File, v.Index)
	return nil
}

func editInEditor(content, name string) (string, error) {
	ext := ""
	if i := strings.LastIndex(name, "."); i >= 0 && !strings.Contains(name[i:], "/") {
		ext = name[i:]
	}
	tmp, err := os.CreateTemp("", "matchq-edit-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi" // fallback
	}
	parts := strings.Fields(editor)
	editorCmd := exec.Command(parts[0], append(parts[1:], tmp.Name())...)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return "", fmt.Errorf("editor failed: %w", err)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("failed to read edited file: %w", err)
	}
	return string(data), nil
}
