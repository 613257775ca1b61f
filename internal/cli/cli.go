// Package cli parses command-line arguments into an app configuration.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/stagegridgo/internal/app"
)

// ExitError is an error carrying a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated
// app.Config, a boolean indicating the program should exit cleanly (help
// requested or nothing to do), or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("stagegridgo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
StageGridGo - An incremental pipeline scheduler over a grid of rows and columns.

Usage:
  stagegridgo [options] [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to a single .hcl file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the configuration file or directory.")
	cFlag := flagSet.String("c", "", "Path to the configuration file or directory (shorthand).")
	repoFlag := flagSet.String("repo", "", "Directory of a local repository. Default when no archive is configured.")
	archiveURLFlag := flagSet.String("archive-url", "", "Base URL of a remote archive. Fetches are cached locally.")
	archiveDBFlag := flagSet.String("archive-db", "", "Path of a SQLite archive database.")
	cacheFlag := flagSet.String("cache", "", "Cache directory for remote fetches. Defaults next to the repository.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 0, "Worker count for local execution. 0 takes the run block's value.")
	forceFlag := flagSet.Bool("force", false, "Reprocess the requested stages even when their caches look valid.")
	forceAllFlag := flagSet.Bool("force-all", false, "Reprocess every stage in the resolved stack.")
	reprocessFlag := flagSet.Bool("reprocess", false, "Accept provenance mismatches and reprocess the affected cells.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *configFlag != "" {
		path = *configFlag
	} else if *cFlag != "" {
		path = *cFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	if *archiveURLFlag != "" && *archiveDBFlag != "" {
		return nil, false, &ExitError{Code: 2, Message: "archive-url and archive-db are mutually exclusive"}
	}

	config, err := app.NewConfig(app.Config{
		ConfigPath: path,
		RepoPath:   *repoFlag,
		ArchiveURL: *archiveURLFlag,
		ArchiveDB:  *archiveDBFlag,
		CachePath:  *cacheFlag,
		LogFormat:  logFormat,
		LogLevel:   logLevel,
		Workers:    *workersFlag,
		Force:      *forceFlag,
		ForceAll:   *forceAllFlag,
		Reprocess:  *reprocessFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return config, false, nil
}
