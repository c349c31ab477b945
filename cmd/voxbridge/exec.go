package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/gliderlab/voxbridge/pkg/logging"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/gliderlab/voxbridge/tools"
)

var (
	execQuiet   bool
	execStream  bool
	execCwd     string
	execTimeout time.Duration
	execURL     string
	execCallID  string
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command> [args...]",
	Short: "Run one command through the gateway",
	Long: `Runs a command through the gateway the same way the agent does and exits
with its exit code. A single argument is run as a shell line; several are
quoted as an argument vector.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	f := execCmd.Flags()
	f.BoolVarP(&execQuiet, "quiet", "q", false, "print only command output, no status line")
	f.BoolVar(&execStream, "stream", false, "use the streaming endpoint")
	f.StringVar(&execCwd, "cwd", "", "working directory on the gateway host")
	f.DurationVar(&execTimeout, "timeout", 0, "command timeout (default: gateway default)")
	f.StringVar(&execURL, "url", "", "gateway base URL (default: from config)")
	f.StringVar(&execCallID, "call-id", "", "call id for result replay")
}

func runExec(cmd *cobra.Command, args []string) error {
	logger := logging.ConfigureRuntime("exec")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := cfg.Agent.GatewayURL
	if execURL != "" {
		url = execURL
	}

	req := processtool.Request{WorkDir: execCwd, Timeout: execTimeout}
	if len(args) == 1 {
		req.Command.Line = args[0]
	} else {
		req.Command.Argv = args
	}
	if err := req.Check(cfg.Exec.MaxCommandLen); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := tools.NewShellClient(url, cfg.Agent.GatewayToken, logger)
	var res processtool.Result
	if execStream {
		res, err = client.Stream(ctx, req, cmd.OutOrStdout())
	} else {
		res, err = client.Run(ctx, req, execCallID)
		if err == nil {
			writeResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
		}
	}
	if err != nil {
		return err
	}
	if !execQuiet && !execStream {
		fmt.Fprintln(cmd.ErrOrStderr(), res.Trailer())
	}
	return exitFor(res)
}

func writeResult(stdout, stderr io.Writer, res processtool.Result) {
	if len(res.Stdout) > 0 {
		_, _ = stdout.Write(res.Stdout)
	}
	if len(res.Stderr) > 0 {
		_, _ = stderr.Write(res.Stderr)
	}
	if res.ProcessError != "" {
		fmt.Fprintln(stderr, "ERROR: "+res.ProcessError)
	}
}

// exitFor maps a result to the CLI exit status: the command's own code when
// it exited, 1 otherwise
func exitFor(res processtool.Result) error {
	if res.Succeeded {
		return nil
	}
	if res.ExitCode != nil && *res.ExitCode != 0 {
		return exitError{code: *res.ExitCode}
	}
	return exitError{code: 1}
}
