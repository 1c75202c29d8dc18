package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/utsubo/chidori/internal/daemon"
	"github.com/utsubo/chidori/internal/logging"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/setup"
	"github.com/utsubo/chidori/internal/uds"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "kill":
		runKill(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "workflows":
		runWorkflows(os.Args[2:])
	case "ping":
		runPing(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "version":
		fmt.Printf("chidori %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig splits off a leading --config/-c flag and loads the system
// configuration, falling back to defaults when no file is given.
func loadConfig(args []string) (model.SystemConfig, []string) {
	cfg := model.DefaultSystemConfig()
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			loaded, err := model.LoadSystemConfig(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			cfg = loaded
		default:
			rest = append(rest, args[i])
		}
	}
	return cfg, rest
}

func newClient(cfg model.SystemConfig) *uds.Client {
	return uds.NewClient(cfg.Daemon.SocketPath)
}

func runInit(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: chidori init <project-dir>")
		os.Exit(1)
	}
	if err := setup.Run(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	abs, _ := filepath.Abs(args[0])
	fmt.Printf("initialized chidori project in %s\n", abs)
}

func runDaemon(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: chidori daemon [--config path]\n", rest[0])
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) < 1 || strings.HasPrefix(rest[0], "-") {
		fmt.Fprintln(os.Stderr, "usage: chidori submit <workflow> [--session-time t] [--retry name] [--resume-failed] [--resume-from task] [--param k=v] [--wait]")
		os.Exit(1)
	}

	params := daemon.SubmitParams{
		Workflow: rest[0],
		Params:   map[string]any{},
	}
	flags := rest[1:]
	for i := 0; i < len(flags); i++ {
		switch flags[i] {
		case "--session-time":
			i++
			params.SessionTime = flagValue(flags, i, "--session-time")
		case "--retry":
			i++
			params.RetryName = flagValue(flags, i, "--retry")
		case "--resume-failed":
			params.Resume = "failed"
		case "--resume-from":
			i++
			params.Resume = "from"
			params.ResumeFrom = flagValue(flags, i, "--resume-from")
		case "--param":
			i++
			kv := flagValue(flags, i, "--param")
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				fmt.Fprintf(os.Stderr, "--param wants key=value, got %q\n", kv)
				os.Exit(1)
			}
			params.Params[key] = value
		case "--wait":
			params.Wait = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", flags[i])
			os.Exit(1)
		}
	}

	client := newClient(cfg)
	if params.Wait {
		client.SetTimeout(24 * time.Hour)
	}
	resp, err := client.SendCommand("submit", params)
	exitOnError(err, resp)

	var result daemon.SubmitResult
	mustDecode(resp.Data, &result)
	fmt.Printf("attempt %d of workflow %q started (session %d, attempt index %d)\n",
		result.AttemptID, result.Workflow, result.SessionID, result.Index)
	if params.Wait {
		if result.Success {
			fmt.Println("attempt succeeded")
		} else {
			fmt.Println("attempt failed")
			os.Exit(1)
		}
	}
}

func runKill(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: chidori kill <attempt-id>")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid attempt id %q\n", rest[0])
		os.Exit(1)
	}

	resp, err := newClient(cfg).SendCommand("kill", daemon.KillParams{AttemptID: id})
	exitOnError(err, resp)
	fmt.Printf("cancel requested for attempt %d\n", id)
}

func runStatus(args []string) {
	cfg, rest := loadConfig(args)
	jsonOutput := false
	var positional []string
	for _, a := range rest {
		if a == "--json" {
			jsonOutput = true
			continue
		}
		positional = append(positional, a)
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "usage: chidori status <attempt-id> [--json]")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(positional[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid attempt id %q\n", positional[0])
		os.Exit(1)
	}

	resp, err := newClient(cfg).SendCommand("attempt", daemon.AttemptParams{AttemptID: id})
	exitOnError(err, resp)

	if jsonOutput {
		fmt.Println(string(resp.Data))
		return
	}

	var status daemon.AttemptStatus
	mustDecode(resp.Data, &status)

	state := "running"
	switch {
	case status.Done && status.Success:
		state = "success"
	case status.Done:
		state = "failed"
	case status.CancelRequested:
		state = "canceling"
	}
	fmt.Printf("attempt %d workflow=%q index=%d state=%s\n", status.ID, status.Workflow, status.Index, state)
	for _, task := range status.Tasks {
		line := fmt.Sprintf("  %-40s %s", task.FullName, task.State)
		if task.RetryCount > 0 {
			line += fmt.Sprintf(" (retry %d)", task.RetryCount)
		}
		if task.Error != "" {
			line += " error: " + task.Error
		}
		fmt.Println(line)
	}
}

func runWorkflows(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "usage: chidori workflows")
		os.Exit(1)
	}

	resp, err := newClient(cfg).SendCommand("workflows", nil)
	exitOnError(err, resp)

	var infos []daemon.WorkflowInfo
	mustDecode(resp.Data, &infos)
	if len(infos) == 0 {
		fmt.Println("no workflows loaded")
		return
	}
	for _, info := range infos {
		fmt.Printf("%s (revision %d)\n", info.Name, info.Revision)
	}
}

func runPing(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "usage: chidori ping")
		os.Exit(1)
	}
	resp, err := newClient(cfg).SendCommand("ping", nil)
	exitOnError(err, resp)
	fmt.Println("daemon is up")
}

func runDown(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "usage: chidori down")
		os.Exit(1)
	}
	resp, err := newClient(cfg).SendCommand("shutdown", nil)
	exitOnError(err, resp)
	fmt.Println("shutdown requested")
}

func flagValue(flags []string, i int, name string) string {
	if i >= len(flags) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return flags[i]
}

func exitOnError(err error, resp *uds.Response) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", resp.Error.Code, resp.Error.Message)
		} else {
			fmt.Fprintln(os.Stderr, "request failed")
		}
		os.Exit(1)
	}
}

func mustDecode(data json.RawMessage, v any) {
	if err := json.Unmarshal(data, v); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`chidori - workflow task engine

Usage:
  chidori init <dir>                   scaffold a new project directory
  chidori daemon [--config path]       start the server process
  chidori submit <workflow> [flags]    start a workflow session attempt
  chidori status <attempt-id>          show an attempt and its tasks
  chidori kill <attempt-id>            request cancellation of an attempt
  chidori workflows                    list workflows in the loaded project
  chidori ping                         check whether the daemon is running
  chidori down                         ask the daemon to shut down
  chidori version                      print version

Submit flags:
  --session-time <t>    session time (RFC3339 or YYYY-MM-DD), default now
  --retry <name>        name this attempt as a retry of the session
  --resume-failed       reuse successful tasks of the previous attempt
  --resume-from <task>  rerun from the named task onward
  --param k=v           override a workflow parameter (repeatable)
  --wait                block until the attempt finishes

Global flags:
  --config, -c <path>   system configuration file`)
}
