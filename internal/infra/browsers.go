package infra

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

// browserSpec describes how to find and launch one supported browser.
type browserSpec struct {
	processNames []string // executable names as they appear in the process list
	candidates   []string // install locations, checked in order
	debugPort    int
	profileDir   string // per-browser debug profile, isolated from the user's normal profile
}

// Each browser gets its own debugging port so several can be managed at
// once without colliding.
var browserSpecs = map[domain.BrowserKind]browserSpec{
	domain.BrowserChrome: {
		processNames: []string{"chrome.exe", "chrome", "Google Chrome"},
		candidates: []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/usr/bin/google-chrome",
			"/usr/bin/chromium",
		},
		debugPort:  9222,
		profileDir: "ChromeDebugProfile",
	},
	domain.BrowserBrave: {
		processNames: []string{"brave.exe", "brave", "Brave Browser"},
		candidates: []string{
			`C:\Program Files\BraveSoftware\Brave-Browser\Application\brave.exe`,
			`C:\Program Files (x86)\BraveSoftware\Brave-Browser\Application\brave.exe`,
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
			"/usr/bin/brave-browser",
		},
		debugPort:  9223,
		profileDir: "BraveDebugProfile",
	},
	domain.BrowserEdge: {
		processNames: []string{"msedge.exe", "msedge", "Microsoft Edge"},
		candidates: []string{
			`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
			`C:\Program Files\Microsoft\Edge\Application\msedge.exe`,
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
			"/usr/bin/microsoft-edge",
		},
		debugPort:  9224,
		profileDir: "EdgeDebugProfile",
	},
}

// DebugPort returns the remote-debugging port assigned to a browser kind.
func DebugPort(kind domain.BrowserKind) int {
	if spec, ok := browserSpecs[kind]; ok {
		return spec.debugPort
	}
	return browserSpecs[domain.BrowserChrome].debugPort
}

// OtherBrowserProcesses returns the process names of every supported
// browser except the allowed one. In strict mode these names feed the
// process monitor's deny path.
func OtherBrowserProcesses(allowed domain.BrowserKind) []string {
	var names []string
	for kind, spec := range browserSpecs {
		if kind == allowed {
			continue
		}
		names = append(names, spec.processNames...)
	}
	return names
}

// BrowserLauncherImpl implements domain.BrowserLauncher: it discovers
// the installed executable and starts it detached under a controlled
// debugging profile.
type BrowserLauncherImpl struct {
	dataDir string
}

// NewBrowserLauncher creates a launcher whose debug profiles live under
// the given data directory.
func NewBrowserLauncher(dataDir string) *BrowserLauncherImpl {
	return &BrowserLauncherImpl{dataDir: dataDir}
}

// Find returns the executable path for a browser kind.
func (l *BrowserLauncherImpl) Find(kind domain.BrowserKind) (string, error) {
	spec, ok := browserSpecs[kind]
	if !ok {
		return "", fmt.Errorf("unsupported browser kind %q: %w", kind, domain.ErrBrowserUnavailable)
	}
	for _, candidate := range spec.candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no %s executable found: %w", kind, domain.ErrBrowserUnavailable)
}

// Launch starts the browser detached with remote debugging enabled on
// its per-kind port and an isolated profile directory.
func (l *BrowserLauncherImpl) Launch(kind domain.BrowserKind) error {
	path, err := l.Find(kind)
	if err != nil {
		return err
	}
	spec := browserSpecs[kind]

	cmd := exec.Command(path,
		fmt.Sprintf("--remote-debugging-port=%d", spec.debugPort),
		fmt.Sprintf("--user-data-dir=%s", filepath.Join(l.dataDir, spec.profileDir)),
		"--remote-allow-origins=*",
		"--no-first-run",
	)

	// Detach from the engine process
	cmd.SysProcAttr = detachedSysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", kind, err)
	}
	// Not our child to reap; let it outlive us.
	go func() { _ = cmd.Wait() }()
	return nil
}

// Ensure BrowserLauncherImpl implements domain.BrowserLauncher.
var _ domain.BrowserLauncher = (*BrowserLauncherImpl)(nil)
