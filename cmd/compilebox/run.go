package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/compilebox/internal/app"
	"github.com/michaelbrown/compilebox/internal/dispatch"
	"github.com/michaelbrown/compilebox/internal/sandbox"
)

var (
	langFlag    string
	stdinFlag   string
	timeoutFlag int
	imageFlag   string
	jsonFlag    bool
	eachFlag    bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>...",
	Short: "Run source files in the sandbox",
	Long: `Run source files in the sandbox.

By default all files form a single job. The first file is written as the
language's compile target; any further files keep their base names. With
--each, every file runs as its own job and the jobs are dispatched
concurrently.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&langFlag, "lang", "l", "", "Language key (see 'compilebox languages')")
	runCmd.Flags().StringVar(&stdinFlag, "stdin", "", "File whose contents are fed to the program; - reads standard input")
	runCmd.Flags().IntVar(&timeoutFlag, "timeout", 0, "Timeout in seconds (default from config)")
	runCmd.Flags().StringVar(&imageFlag, "image", "", "Runtime image (default from config)")
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print outcomes as JSON")
	runCmd.Flags().BoolVar(&eachFlag, "each", false, "Run every file as a separate job")
	_ = runCmd.MarkFlagRequired("lang")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	lang, err := a.Catalog.Lookup(langFlag)
	if err != nil {
		return err
	}
	primary := strings.TrimSuffix(lang.CompileTarget, lang.Extension())

	stdin, err := readStdin(cmd, stdinFlag)
	if err != nil {
		return err
	}

	var groups []map[string]string
	if eachFlag {
		for _, path := range args {
			units, err := readSources(primary, []string{path})
			if err != nil {
				return err
			}
			groups = append(groups, units)
		}
	} else {
		units, err := readSources(primary, args)
		if err != nil {
			return err
		}
		groups = append(groups, units)
	}

	jobs := make([]*sandbox.Job, 0, len(groups))
	for _, units := range groups {
		job, err := a.NewJob(app.Request{
			Language: langFlag,
			Sources:  units,
			Stdin:    stdin,
			Timeout:  timeoutFlag,
			Image:    imageFlag,
		})
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	results := a.Dispatcher.RunAll(cmd.Context(), jobs)
	if err := printResults(cmd, results); err != nil {
		return err
	}

	var failed []error
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Err)
		}
	}
	return errors.Join(failed...)
}

// readSources maps files to source units. The first file becomes the
// primary unit; the rest are named by their base name without extension.
// The language decides the extension on disk.
func readSources(primary string, paths []string) (map[string]string, error) {
	units := make(map[string]string, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading source: %w", err)
		}
		unit := primary
		if i > 0 {
			base := filepath.Base(path)
			unit = strings.TrimSuffix(base, filepath.Ext(base))
		}
		if _, dup := units[unit]; dup {
			return nil, fmt.Errorf("source unit %q given twice", unit)
		}
		units[unit] = string(data)
	}
	return units, nil
}

func readStdin(cmd *cobra.Command, path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		var b strings.Builder
		if _, err := io.Copy(&b, cmd.InOrStdin()); err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return b.String(), nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading stdin file: %w", err)
		}
		return string(data), nil
	}
}

type jsonResult struct {
	Folder string `json:"folder"`
	*sandbox.Outcome
	Error string `json:"error,omitempty"`
}

func printResults(cmd *cobra.Command, results []dispatch.Result) error {
	w := cmd.OutOrStdout()
	if jsonFlag {
		out := make([]jsonResult, len(results))
		for i, r := range results {
			out[i] = jsonResult{Folder: r.Job.Folder, Outcome: r.Outcome}
			if r.Err != nil {
				out[i].Error = r.Err.Error()
			}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for i, r := range results {
		if len(results) > 1 {
			fmt.Fprintf(w, "== job %d (%s)\n", i+1, r.Job.Folder)
		}
		if r.Err != nil {
			fmt.Fprintf(w, "error: %v\n", r.Err)
			continue
		}
		o := r.Outcome
		fmt.Fprint(w, o.Output)
		if o.Errors != "" {
			fmt.Fprintf(w, "\nSTDERR:\n%s", o.Errors)
		}
		if o.TimedOut {
			fmt.Fprintf(w, "\n(timed out after %d ticks)\n", o.Ticks)
		} else if o.Time != "" {
			fmt.Fprintf(w, "\n(time: %s)\n", strings.TrimSpace(o.Time))
		}
	}
	return nil
}
