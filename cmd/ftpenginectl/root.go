// Command ftpenginectl is a small CLI front end over package ftpengine:
// it builds an Engine, submits one Operation per invocation, and streams
// progress to stdout until the operation finishes. Grounded on rclone's
// cmd/ cobra tree shape (one cobra.Command per verb, flags bound via
// pflag, RunE building a config and calling into the engine) rather than
// rclone's own fs.Fs/backend registry, since this engine only ever talks
// to one protocol.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/ftpengine"
	"github.com/ftpcore/engine/scheduler"
)

var rootCmd = &cobra.Command{
	Use:   "ftpenginectl",
	Short: "Drive FTP copy/move/delete/chattr operations",
}

var (
	flagHost           string
	flagPort           int
	flagUser           string
	flagPassword       string
	flagTLS            string
	flagModeZ          bool
	flagWorkers        int
	flagDiskWorkers    int
	flagMaxRateKBs     int64
	flagOnFileExists   string
	flagOnDirExists    string
	flagNonInteractive bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagHost, "host", "", "FTP server host (required)")
	pf.IntVar(&flagPort, "port", 21, "FTP server port")
	pf.StringVar(&flagUser, "user", "anonymous", "login username")
	pf.StringVar(&flagPassword, "password", "", "login password")
	pf.StringVar(&flagTLS, "tls", "none", "control/data encryption: none, explicit, implicit")
	pf.BoolVar(&flagModeZ, "modez", false, "negotiate MODE Z compression")
	pf.IntVar(&flagWorkers, "workers", 2, "number of parallel control connections")
	pf.IntVar(&flagDiskWorkers, "disk-workers", ftpconfig.DefaultDiskWorkers, "size of the local disk I/O pool")
	pf.Int64Var(&flagMaxRateKBs, "max-rate", 0, "aggregate transfer rate limit in KiB/s, 0 for unlimited")
	pf.StringVar(&flagOnFileExists, "on-file-exists", "overwrite", "overwrite, resume, autorename, skip, or ask")
	pf.StringVar(&flagOnDirExists, "on-dir-exists", "join", "join, autorename, skip, or ask")
	pf.BoolVar(&flagNonInteractive, "non-interactive", false, "skip items needing a decision instead of prompting on stdin")

	rootCmd.AddCommand(copyCmd, moveCmd, deleteCmd, chattrCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ftpenginectl:", err)
		os.Exit(1)
	}
}

func buildEndpoint() (ftpconfig.Endpoint, error) {
	if flagHost == "" {
		return ftpconfig.Endpoint{}, fmt.Errorf("--host is required")
	}
	ep := ftpconfig.Endpoint{
		Host:     flagHost,
		Port:     flagPort,
		User:     flagUser,
		Password: flagPassword,
	}
	switch strings.ToLower(flagTLS) {
	case "", "none":
		ep.TLSPolicy = ftpconfig.TLSNone
	case "explicit":
		ep.TLSPolicy = ftpconfig.TLSExplicit
	case "implicit":
		ep.TLSPolicy = ftpconfig.TLSImplicit
	default:
		return ftpconfig.Endpoint{}, fmt.Errorf("--tls must be none, explicit, or implicit, got %q", flagTLS)
	}
	if flagModeZ {
		ep.CompressionPolicy = ftpconfig.CompressionModeZ
	}
	return ep, nil
}

func buildOptions() ftpconfig.Options {
	opts := ftpconfig.Default()
	opts.DiskWorkers = flagDiskWorkers
	opts.MaxTransferRate = flagMaxRateKBs * 1024
	opts.EncryptControl = flagTLS != "" && flagTLS != "none"
	opts.EncryptData = opts.EncryptControl
	opts.CompressModeZ = flagModeZ
	return opts
}

func parseFileExistsPolicy(s string) (ftpconfig.FileExistsPolicy, error) {
	switch strings.ToLower(s) {
	case "overwrite":
		return ftpconfig.FileExistsOverwrite, nil
	case "resume":
		return ftpconfig.FileExistsResume, nil
	case "resume-or-overwrite":
		return ftpconfig.FileExistsResumeOrOverwrite, nil
	case "autorename":
		return ftpconfig.FileExistsAutorename, nil
	case "skip":
		return ftpconfig.FileExistsSkip, nil
	case "ask":
		return ftpconfig.FileExistsAsk, nil
	default:
		return 0, fmt.Errorf("--on-file-exists: unknown policy %q", s)
	}
}

func parseDirExistsPolicy(s string) (ftpconfig.DirExistsPolicy, error) {
	switch strings.ToLower(s) {
	case "join":
		return ftpconfig.DirExistsJoin, nil
	case "autorename":
		return ftpconfig.DirExistsAutorename, nil
	case "skip":
		return ftpconfig.DirExistsSkip, nil
	case "ask":
		return ftpconfig.DirExistsAsk, nil
	default:
		return 0, fmt.Errorf("--on-dir-exists: unknown policy %q", s)
	}
}

func buildPolicies() (ftpconfig.Policies, error) {
	fileExists, err := parseFileExistsPolicy(flagOnFileExists)
	if err != nil {
		return ftpconfig.Policies{}, err
	}
	dirExists, err := parseDirExistsPolicy(flagOnDirExists)
	if err != nil {
		return ftpconfig.Policies{}, err
	}
	return ftpconfig.Policies{
		FileAlreadyExists: fileExists,
		DirAlreadyExists:  dirExists,
		CannotCreateDir:   ftpconfig.CreateAutorename,
		CannotCreateFile:  ftpconfig.CreateAutorename,
	}, nil
}

// runOperation builds an Engine, submits one Operation over roots,
// starts flagWorkers workers against it, streams progress to stdout, and
// blocks until the operation finishes.
func runOperation(kind scheduler.Kind, roots []ftpengine.Root) error {
	endpoint, err := buildEndpoint()
	if err != nil {
		return err
	}
	policies, err := buildPolicies()
	if err != nil {
		return err
	}

	eng, err := ftpengine.Start(buildOptions())
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	op, err := eng.CreateOperation(ctx, kind, endpoint, roots, policies)
	if err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt)
	go func() {
		if _, ok := <-sigC; ok {
			fmt.Fprintln(os.Stderr, "ftpenginectl: interrupted, cancelling operation")
			op.Cancel()
		}
	}()
	defer signal.Stop(sigC)

	localRoot := ""
	for _, r := range roots {
		if !kind.IsUpload() {
			localRoot = r.Local
			break
		}
	}
	for i := 0; i < flagWorkers; i++ {
		op.AddWorker(localRoot)
	}

	op.Subscribe(printProgress, resolveError(op), nil)
	op.Start()
	state := op.Wait()

	fmt.Printf("operation %d finished: %s\n", op.UID(), state)
	if state != scheduler.StateSuccessfullyFinished {
		return fmt.Errorf("operation finished with state %s", state)
	}
	return nil
}

func printProgress(p scheduler.Progress) {
	if p.Totals.TotalBytes == 0 {
		fmt.Printf("\ritems: %d  transferred: %d bytes", p.ItemCount, p.Totals.TransferredBytes)
		return
	}
	pct := 100 * float64(p.Totals.TransferredBytes) / float64(p.Totals.TotalBytes)
	fmt.Printf("\ritems: %d  %d/%d bytes (%.1f%%)", p.ItemCount, p.Totals.TransferredBytes, p.Totals.TotalBytes, pct)
}

// resolveError answers an operation.subscribe error_handler callback: in
// interactive mode it prompts on stdin for a resolution, otherwise it
// skips the offending item so a batch run never blocks forever.
func resolveError(op *ftpengine.Operation) ftpengine.ErrorHandler {
	stdin := bufio.NewReader(os.Stdin)
	return func(rep ftpengine.ErrorReport) {
		fmt.Printf("\nitem %d needs a decision (%s): %v\n", rep.ItemUID, rep.ProblemID, rep.Err)
		if flagNonInteractive {
			fmt.Println("non-interactive, skipping")
			_ = op.ResolveError(rep.ItemUID, ftpengine.ResolutionSkip)
			return
		}
		fmt.Print("[o]verwrite/[r]esume/[a]utorename/[s]kip/[R]etry? ")
		line, _ := stdin.ReadString('\n')
		switch strings.TrimSpace(line) {
		case "o":
			_ = op.ResolveError(rep.ItemUID, ftpengine.ResolutionOverwrite)
		case "r":
			_ = op.ResolveError(rep.ItemUID, ftpengine.ResolutionResume)
		case "a":
			_ = op.ResolveError(rep.ItemUID, ftpengine.ResolutionAutorename)
		case "s":
			_ = op.ResolveError(rep.ItemUID, ftpengine.ResolutionSkip)
		default:
			_ = op.ResolveError(rep.ItemUID, ftpengine.ResolutionRetry)
		}
	}
}
