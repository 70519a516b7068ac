package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/anvil-build/anvil/internal/config"
)

// ExitError is an error that carries a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Invocation is a fully parsed command line.
type Invocation struct {
	Command string
	Targets []string
	Config  *config.Config
}

const usageText = `
Anvil - a language-agnostic build orchestrator.

Usage:
  anvil [options] <command> [//scope:target ...]

Commands:
  generate   Translate the workspace (and write export build files).
  build      Build the given targets, or everything when none are named.
  clean      Remove the outputs of the given targets.

Options:
`

// Parse processes command-line arguments into an Invocation. The boolean is
// true when the program should exit cleanly without doing anything (help or
// bare usage).
func Parse(args []string, output io.Writer) (*Invocation, bool, error) {
	flagSet := flag.NewFlagSet("anvil", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, usageText)
		flagSet.PrintDefaults()
	}

	workspaceFlag := flagSet.String("C", ".", "Workspace root directory to search for manifests.")
	buildDirFlag := flagSet.String("build-dir", "", "Output directory. Defaults to <workspace>/build.")
	backendFlag := flagSet.String("backend", "local", "Build backend. 'local' executes in-process, 'ninja' exports a build file.")
	jobsFlag := flagSet.Int("j", 0, "Number of concurrent actions. 0 uses the machine's core count.")
	failFastFlag := flagSet.Bool("fail-fast", false, "Cancel pending work on the first failure.")
	verboseFlag := flagSet.Bool("v", false, "Show buffered action output even on success.")
	stashFlag := flagSet.String("stash", "", "Directory for the local stash cache. Empty disables it.")
	stashUploadFlag := flagSet.Bool("stash-upload", true, "Upload outputs to the stash after building.")
	stashDownloadFlag := flagSet.Bool("stash-download", true, "Satisfy actions from the stash when possible.")
	s3EndpointFlag := flagSet.String("s3-endpoint", "", "S3-compatible endpoint for the remote stash. Empty disables it.")
	s3RegionFlag := flagSet.String("s3-region", "", "Region for the remote stash bucket.")
	s3BucketFlag := flagSet.String("s3-bucket", "", "Bucket for the remote stash.")
	s3SSLFlag := flagSet.Bool("s3-ssl", true, "Use TLS when talking to the remote stash.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return nil, true, nil
	}

	command := flagSet.Arg(0)
	switch command {
	case "generate", "build", "clean":
	default:
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unknown command %q: expected generate, build or clean", command)}
	}

	targets := flagSet.Args()[1:]
	for _, target := range targets {
		if !strings.HasPrefix(target, "//") {
			return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("target %q must be an absolute reference (//scope:name)", target)}
		}
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

	workspaceDir, err := filepath.Abs(*workspaceFlag)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	buildDir := *buildDirFlag
	if buildDir == "" {
		buildDir = filepath.Join(workspaceDir, "build")
	} else if buildDir, err = filepath.Abs(buildDir); err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	var s3 *config.S3Config
	if *s3EndpointFlag != "" {
		if *s3BucketFlag == "" {
			return nil, false, &ExitError{Code: 2, Message: "-s3-endpoint requires -s3-bucket"}
		}
		// Credentials come from the environment, never from flags, so they
		// do not leak into process listings.
		s3 = &config.S3Config{
			Endpoint:  *s3EndpointFlag,
			Region:    *s3RegionFlag,
			Bucket:    *s3BucketFlag,
			AccessKey: os.Getenv("ANVIL_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("ANVIL_S3_SECRET_KEY"),
			UseSSL:    *s3SSLFlag,
		}
	}

	cfg := &config.Config{
		WorkspaceDir: workspaceDir,
		BuildDir:     buildDir,
		Backend:      *backendFlag,
		Jobs:         config.ClampJobs(*jobsFlag),
		FailFast:     *failFastFlag,
		Verbose:      *verboseFlag,
		Stash: config.StashConfig{
			Upload:   *stashUploadFlag,
			Download: *stashDownloadFlag,
			LocalDir: *stashFlag,
			S3:       s3,
		},
		LogLevel:  logLevel,
		LogFormat: logFormat,
	}

	return &Invocation{Command: command, Targets: targets, Config: cfg}, false, nil
}
