// Package main is the CLI entry point for focusguard.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/focus_guard/internal/auth"
	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
	"github.com/eliteGoblin/focusd/focus_guard/internal/infra"
	"github.com/eliteGoblin/focusd/focus_guard/internal/ledger"
	"github.com/eliteGoblin/focusd/focus_guard/internal/monitor"
	"github.com/eliteGoblin/focusd/focus_guard/internal/policy"
	"github.com/eliteGoblin/focusd/focus_guard/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

const pidFileName = "focusguard.pid"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "focusguard",
	Short: "Focus mode enforcement engine",
	Long: `focusguard activates named focus modes: it terminates disallowed
applications, locks the browser to permitted domains and records every
enforcement decision in a tamper-evident audit ledger.

Leaving a strict-mode session requires the configured PIN.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var activateCmd = &cobra.Command{
	Use:   "activate <mode>",
	Short: "Activate a focus mode and enforce it until deactivated",
	Long: `Activates the named mode and keeps enforcing it in the foreground.
Press Ctrl+C (or run 'focusguard deactivate' from another terminal) to
end the session; strict modes ask for the PIN first. A session timer,
when configured, ends the session on its own without a PIN.`,
	Args: cobra.ExactArgs(1),
	RunE: runActivate,
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Request deactivation of the running session",
	Long: `Signals the enforcing focusguard process to end its session. Under
strict mode the PIN prompt appears in that process's terminal.`,
	RunE: runDeactivate,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session state and recent audit activity",
	RunE:  runStatus,
}

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List configured focus modes",
	RunE:  runModes,
}

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage the deactivation PIN",
}

var pinSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set or change the PIN",
	RunE:  runPinSet,
}

var pinRecoveryCmd = &cobra.Command{
	Use:   "set-recovery",
	Short: "Configure the recovery answer used to reset a lost PIN",
	RunE:  runPinSetRecovery,
}

var pinRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reset a lost PIN using the recovery answer",
	Long: `Verifies the recovery answer and installs a temporary PIN, printed
once. The temporary PIN must be rotated with 'pin set' before it can
guard another session.`,
	RunE: runPinRecover,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit ledger",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity chain over the whole ledger",
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the newest audit events",
	RunE:  runAuditTail,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	dataDir    string
	modesDir   string
	pinFlag    string
	tailCount  int
	jsonOutput bool
)

func init() {
	defaultData := defaultDataDir()
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultData, "Data directory (ledger, PIN record, browser profiles)")
	rootCmd.PersistentFlags().StringVar(&modesDir, "modes-dir", filepath.Join(defaultData, "modes"), "Directory holding mode policy documents")

	activateCmd.Flags().StringVar(&pinFlag, "pin", "", "PIN for modes that require one to activate")
	auditTailCmd.Flags().IntVarP(&tailCount, "count", "n", 20, "Number of events to show")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	pinCmd.AddCommand(pinSetCmd)
	pinCmd.AddCommand(pinRecoveryCmd)
	pinCmd.AddCommand(pinRecoverCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)

	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(deactivateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(modesCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".focusguard"
	}
	return filepath.Join(home, ".focusguard")
}

// engine bundles the shared components behind one open/close pair.
// The orchestrator is built per activation, bound to the mode's browser.
type engine struct {
	store    *ledger.Store
	auth     *auth.Authenticator
	policies *policy.DirStore
	logger   *zap.Logger
}

func openEngine(logger *zap.Logger) (*engine, error) {
	keyProvider := infra.NewFileKeyProvider(dataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		return nil, fmt.Errorf("ledger key: %w", err)
	}

	store, err := ledger.Open(dataDir, key)
	if err != nil {
		return nil, err
	}

	return &engine{
		store:    store,
		auth:     auth.New(infra.NewFilePinStore(dataDir), store),
		policies: policy.NewDirStore(modesDir, logger),
		logger:   logger,
	}, nil
}

func (e *engine) close() {
	_ = e.store.Close()
	_ = e.logger.Sync()
}

// rivalBrowserMatchers turns the other browsers' process names into
// deny matchers for strict-mode sessions.
func rivalBrowserMatchers(allowed domain.BrowserKind) []domain.ProcessMatcher {
	names := infra.OtherBrowserProcesses(allowed)
	matchers := make([]domain.ProcessMatcher, 0, len(names))
	for _, name := range names {
		matchers = append(matchers, domain.ProcessMatcher{Name: name})
	}
	return matchers
}

func runActivate(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	eng, err := openEngine(logger)
	if err != nil {
		return err
	}
	defer eng.close()

	// A broken chain refuses all automatic operation.
	if err := eng.store.VerifyChain(); err != nil {
		return fmt.Errorf("refusing to activate: %w", err)
	}

	modeID := args[0]
	p, err := eng.policies.GetByID(modeID)
	if err != nil {
		return err
	}

	pin := pinFlag
	if p.PinToActivate && pin == "" {
		pin = promptLine("PIN: ")
	}

	// The browser transport and launcher are bound to the mode's browser.
	var transport domain.BrowserTransport
	var launcher domain.BrowserLauncher
	if p.Browser != "" {
		transport = infra.NewDevToolsClient(infra.DebugPort(p.Browser))
		launcher = infra.NewBrowserLauncher(dataDir)
	}
	procMon := monitor.NewProcessMonitor(infra.NewProcessController(), eng.store, logger)
	browserMon := monitor.NewBrowserMonitor(transport, launcher, eng.store, logger)
	orch := usecase.New(eng.policies, eng.auth, eng.store, eng.store, procMon, browserMon, logger)
	orch.SetStrictBrowserDeny(rivalBrowserMatchers)

	if err := orch.Reconcile(); err != nil {
		return err
	}

	session, err := orch.Activate(modeID, pin)
	if err != nil {
		return err
	}
	done := orch.Done()

	if err := writePidFile(); err != nil {
		logger.Warn("could not write pid file", zap.Error(err))
	}
	defer removePidFile()

	// Policy edits on disk apply to the next activation; the watcher
	// keeps the cache fresh while this session runs.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := eng.policies.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("policy watcher stopped", zap.Error(err))
		}
	}()

	fmt.Printf("Mode %q active (session %s)\n", p.Name, session.ID)
	if !session.ExpiresAt.IsZero() {
		fmt.Printf("Session ends automatically at %s\n", session.ExpiresAt.Local().Format("15:04:05"))
	}
	if p.StrictMode {
		fmt.Println("Strict mode: deactivation requires the PIN.")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-done:
			fmt.Println("Session ended.")
			return nil

		case <-sigChan:
			if cur := orch.Current(); cur != nil && cur.State == domain.StateLocked {
				fmt.Println()
				candidate := promptLine("PIN to deactivate: ")
				if err := orch.Deactivate(candidate); err != nil {
					fmt.Println("Deactivation refused:", err)
					continue
				}
			} else {
				if err := orch.Deactivate(""); err != nil {
					fmt.Println("Deactivation refused:", err)
					continue
				}
			}
			fmt.Println("Session ended.")
			return nil
		}
	}
}

func runDeactivate(cmd *cobra.Command, args []string) error {
	pid, err := readPidFile()
	if err != nil {
		fmt.Println("No active focusguard session found.")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("session process %d not found: %w", pid, err)
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to signal session process %d: %w", pid, err)
	}

	fmt.Printf("Deactivation requested from process %d.\n", pid)
	fmt.Println("If the mode is strict, enter the PIN in that terminal.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(zap.NewNop())
	if err != nil {
		return err
	}
	defer eng.close()

	fmt.Println("\n=== focusguard Status ===")

	chainErr := eng.store.VerifyChain()
	if chainErr != nil {
		fmt.Println("Ledger: INTEGRITY FAILURE")
		fmt.Printf("        %v\n", chainErr)
	} else {
		fmt.Println("Ledger: verified")
	}

	open, err := eng.store.OpenSessions()
	if err != nil {
		return err
	}
	if len(open) == 0 {
		fmt.Println("Session: inactive")
	} else {
		for _, s := range open {
			fmt.Printf("Session: %s (mode %s, state %s)\n", s.ID, s.PolicyID, s.State)
			fmt.Printf("         started %s, %d violations\n",
				s.StartedAt.Local().Format(time.RFC3339), s.ViolationCount)
		}
	}

	last, err := eng.store.LastByKind(domain.EventHeartbeat)
	if err == nil && last != nil {
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(last.Timestamp).Round(time.Second))
	}

	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("=========================")
	return chainErr
}

func runModes(cmd *cobra.Command, args []string) error {
	policies, err := policy.LoadDir(modesDir)
	if err != nil {
		return err
	}

	if len(policies) == 0 {
		fmt.Printf("No modes configured. Add YAML documents under %s\n", modesDir)
		return nil
	}

	fmt.Println("\n=== Focus Modes ===")
	for _, p := range policies {
		fmt.Printf("\n[%s] %s\n", p.ID, p.Name)
		if len(p.DeniedApps) > 0 {
			fmt.Println("  Denied apps:")
			for _, m := range p.DeniedApps {
				fmt.Printf("    - %s\n", m.Name)
			}
		}
		if p.WhitelistOnly {
			fmt.Println("  Whitelist only:")
			for _, m := range p.AllowedApps {
				fmt.Printf("    - %s\n", m.Name)
			}
		}
		if p.SingleDomainLock() {
			fmt.Printf("  Browser: %s locked to %s\n", p.Browser, p.LockedDomain)
		} else if len(p.AllowedDomains) > 0 {
			fmt.Printf("  Browser: %s limited to %s\n", p.Browser, joinDomains(p.AllowedDomains))
		}
		if p.StrictMode {
			fmt.Println("  Strict mode: PIN required to deactivate")
		}
		if p.SessionMinutes > 0 {
			fmt.Printf("  Session timer: %d minutes\n", p.SessionMinutes)
		}
	}
	fmt.Println("\n===================")
	return nil
}

func joinDomains(domains []domain.DomainPattern) string {
	parts := make([]string, len(domains))
	for i, d := range domains {
		parts[i] = string(d)
	}
	return strings.Join(parts, ", ")
}

func runPinSet(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(zap.NewNop())
	if err != nil {
		return err
	}
	defer eng.close()

	current := ""
	if eng.auth.Configured() {
		current = promptLine("Current PIN: ")
	}
	newPin := promptLine("New PIN: ")
	confirm := promptLine("Confirm new PIN: ")
	if newPin != confirm {
		return fmt.Errorf("PINs do not match")
	}

	if err := eng.auth.Set(newPin, current); err != nil {
		return err
	}
	fmt.Println("PIN updated.")
	return nil
}

func runPinSetRecovery(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(zap.NewNop())
	if err != nil {
		return err
	}
	defer eng.close()

	current := promptLine("Current PIN: ")
	answer := promptLine("Recovery answer: ")
	if err := eng.auth.SetRecovery(answer, current); err != nil {
		return err
	}
	fmt.Println("Recovery answer stored.")
	return nil
}

func runPinRecover(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(zap.NewNop())
	if err != nil {
		return err
	}
	defer eng.close()

	answer := promptLine("Recovery answer: ")
	tempPin, err := eng.auth.Recover(answer)
	if err != nil {
		return err
	}

	fmt.Printf("Temporary PIN: %s\n", tempPin)
	fmt.Println("Rotate it now with 'focusguard pin set'.")
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(zap.NewNop())
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.store.VerifyChain(); err != nil {
		fmt.Println("FAILED:", err)
		return err
	}
	fmt.Println("Audit chain verified.")
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(zap.NewNop())
	if err != nil {
		return err
	}
	defer eng.close()

	events, err := eng.store.Tail(tailCount)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("Ledger is empty.")
		return nil
	}

	for _, ev := range events {
		fmt.Printf("%6d  %s  %-20s  %s\n",
			ev.Seq, ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Kind, ev.Detail)
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("focusguard %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	}
}

func promptLine(label string) string {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func writePidFile() error {
	path := filepath.Join(dataDir, pidFileName)
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPidFile() (int, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFileName))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePidFile() {
	_ = os.Remove(filepath.Join(dataDir, pidFileName))
}

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"/var/tmp/focusguard.log"}
	config.ErrorOutputPaths = []string{"/var/tmp/focusguard.error.log"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
