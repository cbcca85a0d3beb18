// Command recurringctl is the §6.6 CLI supervisor front-end: it starts
// and stops the recurringd daemon, reports its status, tails its logs,
// and can trigger an out-of-band execute_due run over the local HTTP
// surface.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/castlepeak/ibkr-recurring/pkg/config"
	"github.com/castlepeak/ibkr-recurring/pkg/supervisor"
)

// Exit codes per spec.md §6.6. 0 (success) is Go's implicit default
// exit status and needs no named constant.
const (
	exitGenericFailure = 1
	exitMisconfigured  = 2
	exitAlreadyRunning = 3
	exitNotRunning     = 4
)

var (
	configPath  string
	daemonPath  string
	gracePeriod = 10 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:   "recurringctl",
		Short: "Supervise the recurring-order daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration document")
	root.PersistentFlags().StringVar(&daemonPath, "daemon", "recurringd", "path to the recurringd binary")

	root.AddCommand(startCmd(), stopCmd(), statusCmd(), restartCmd(), logsCmd(), executeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGenericFailure)
	}
}

func loadConfigOrExit() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitMisconfigured)
	}
	return cfg
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start recurringd in the background",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()

			if _, running := supervisor.IsRunning(cfg.Supervisor.PIDFile); running {
				fmt.Fprintln(os.Stderr, "recurringd is already running")
				os.Exit(exitAlreadyRunning)
			}

			proc := exec.Command(daemonPath, "--config", configPath)
			proc.Stdout = nil
			proc.Stderr = nil
			setDetached(proc)

			if err := proc.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "start: %v\n", err)
				os.Exit(exitGenericFailure)
			}
			// The parent detaches immediately; recurringd writes its own
			// PID file once it acquires the supervisor lock (§4.7).
			fmt.Printf("recurringd started (pid %d)\n", proc.Process.Pid)
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running recurringd",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()

			pid, running := supervisor.IsRunning(cfg.Supervisor.PIDFile)
			if !running {
				fmt.Fprintln(os.Stderr, "recurringd is not running")
				os.Exit(exitNotRunning)
			}

			if err := supervisor.Stop(pid, gracePeriod, nil); err != nil {
				fmt.Fprintf(os.Stderr, "stop: %v\n", err)
				os.Exit(exitGenericFailure)
			}
			fmt.Println("recurringd stopped")
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start recurringd",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()

			if pid, running := supervisor.IsRunning(cfg.Supervisor.PIDFile); running {
				if err := supervisor.Stop(pid, gracePeriod, nil); err != nil {
					fmt.Fprintf(os.Stderr, "stop: %v\n", err)
					os.Exit(exitGenericFailure)
				}
			}

			proc := exec.Command(daemonPath, "--config", configPath)
			setDetached(proc)
			if err := proc.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "start: %v\n", err)
				os.Exit(exitGenericFailure)
			}
			fmt.Printf("recurringd restarted (pid %d)\n", proc.Process.Pid)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether recurringd is running, its PID, and its last/next run",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()

			pid, running := supervisor.IsRunning(cfg.Supervisor.PIDFile)
			if !running {
				fmt.Println("status: not running")
				return
			}
			fmt.Printf("status: running (pid %d)\n", pid)

			body, err := fetchStatus(cfg.HTTP.Port)
			if err != nil {
				fmt.Printf("(could not reach local HTTP surface: %v)\n", err)
				return
			}
			fmt.Println(body)
		},
	}
}

func logsCmd() *cobra.Command {
	var follow bool
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail or stream the recurringd log file",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()
			if err := tailLogs(cfg.Supervisor.LogFile, lines, follow); err != nil {
				fmt.Fprintf(os.Stderr, "logs: %v\n", err)
				os.Exit(exitGenericFailure)
			}
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "stream new lines as they are written")
	cmd.Flags().IntVar(&lines, "lines", 50, "number of trailing lines to print")
	return cmd
}

func executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute",
		Short: "Trigger an out-of-band execute_due run via the local HTTP surface",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()

			resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/recurring/execute", cfg.HTTP.Port), "application/json", nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "execute: %v\n", err)
				os.Exit(exitGenericFailure)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			fmt.Println(string(body))
			if resp.StatusCode >= 300 {
				os.Exit(exitGenericFailure)
			}
		},
	}
}

func fetchStatus(port int) (string, error) {
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/recurring/status", port))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var pretty map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// tailLogs prints the last n lines of path, then, if follow, streams
// appended lines until the process is interrupted.
func tailLogs(path string, n int, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf = append(buf, scanner.Text())
		if len(buf) > n {
			buf = buf[1:]
		}
	}
	for _, line := range buf {
		fmt.Println(line)
	}
	if !follow {
		return nil
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		fmt.Print(line)
	}
}
