//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focus_guard/internal/auth"
	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
	"github.com/eliteGoblin/focusd/focus_guard/internal/infra"
	"github.com/eliteGoblin/focusd/focus_guard/internal/ledger"
	"github.com/eliteGoblin/focusd/focus_guard/internal/monitor"
	"github.com/eliteGoblin/focusd/focus_guard/internal/policy"
	"github.com/eliteGoblin/focusd/focus_guard/internal/usecase"
)

// fakeProcessController serves a scripted process table and records
// terminations.
type fakeProcessController struct {
	mu         sync.Mutex
	procs      []domain.ProcessInfo
	terminated []int32
}

func (f *fakeProcessController) List() ([]domain.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ProcessInfo, len(f.procs))
	copy(out, f.procs)
	return out, nil
}

func (f *fakeProcessController) Terminate(pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	for i, p := range f.procs {
		if p.PID == pid {
			f.procs = append(f.procs[:i], f.procs[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeProcessController) CurrentPID() int32 { return 1 }

func (f *fakeProcessController) terminatedPIDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int32, len(f.terminated))
	copy(out, f.terminated)
	return out
}

// fakeTransport emulates an attached browser with scripted pages.
type fakeTransport struct {
	mu        sync.Mutex
	pages     []domain.Page
	navigated map[string]string
}

func (f *fakeTransport) Alive(ctx context.Context) bool { return true }

func (f *fakeTransport) ListPages(ctx context.Context) ([]domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Page, len(f.pages))
	copy(out, f.pages)
	return out, nil
}

func (f *fakeTransport) ClosePage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pages {
		if p.ID == id {
			f.pages = append(f.pages[:i], f.pages[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeTransport) OpenPage(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, domain.Page{ID: url, Type: "page", URL: url})
	return nil
}

func (f *fakeTransport) Navigate(ctx context.Context, page domain.Page, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navigated == nil {
		f.navigated = make(map[string]string)
	}
	f.navigated[page.ID] = url
	for i, p := range f.pages {
		if p.ID == page.ID {
			f.pages[i].URL = url
		}
	}
	return nil
}

func (f *fakeTransport) navigatedTo(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.navigated[id]
}

type fakeLauncher struct{}

func (fakeLauncher) Find(kind domain.BrowserKind) (string, error) { return "/usr/bin/fake", nil }
func (fakeLauncher) Launch(kind domain.BrowserKind) error         { return nil }

var _ = Describe("Enforcement Engine", func() {
	var (
		tmpDir    string
		store     *ledger.Store
		authn     *auth.Authenticator
		policies  *policy.DirStore
		procs     *fakeProcessController
		transport *fakeTransport
		orch      *usecase.Orchestrator
		logger    *zap.Logger
	)

	writeMode := func(name, content string) {
		modesDir := filepath.Join(tmpDir, "modes")
		Expect(os.MkdirAll(modesDir, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(modesDir, name), []byte(content), 0644)).To(Succeed())
		policies.Reload()
	}

	eventKinds := func() []domain.AuditKind {
		events, err := store.Tail(100)
		Expect(err).NotTo(HaveOccurred())
		kinds := make([]domain.AuditKind, len(events))
		for i, ev := range events {
			kinds[i] = ev.Kind
		}
		return kinds
	}

	newOrchestrator := func() *usecase.Orchestrator {
		procMon := monitor.NewProcessMonitor(procs, store, logger)
		browserMon := monitor.NewBrowserMonitor(transport, fakeLauncher{}, store, logger)
		o := usecase.New(policies, authn, store, store, procMon, browserMon, logger)
		o.SetIntervals(20*time.Millisecond, time.Hour)
		return o
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "focusguard-integration-*")
		Expect(err).NotTo(HaveOccurred())

		logger = zap.NewNop()

		keyProvider := infra.NewFileKeyProvider(tmpDir)
		key, err := infra.EnsureKey(keyProvider)
		Expect(err).NotTo(HaveOccurred())

		store, err = ledger.Open(tmpDir, key)
		Expect(err).NotTo(HaveOccurred())

		authn = auth.New(infra.NewFilePinStore(tmpDir), store)
		policies = policy.NewDirStore(filepath.Join(tmpDir, "modes"), logger)
		procs = &fakeProcessController{}
		transport = &fakeTransport{}
		orch = nil
	})

	AfterEach(func() {
		if orch != nil && orch.Current() != nil {
			_ = orch.Deactivate("")
		}
		store.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("Session lifecycle", func() {
		BeforeEach(func() {
			writeMode("deep-work.yaml", `
id: deep-work
denied_apps:
  - name: slack
strict_mode: true
`)
			Expect(authn.Set("2468", "")).To(Succeed())
			orch = newOrchestrator()
			Expect(orch.Reconcile()).To(Succeed())
		})

		It("terminates denied processes and audits the violations", func() {
			procs.mu.Lock()
			procs.procs = []domain.ProcessInfo{
				{PID: 100, Name: "slack", Exe: "/usr/bin/slack"},
				{PID: 200, Name: "code", Exe: "/usr/bin/code"},
			}
			procs.mu.Unlock()

			_, err := orch.Activate("deep-work", "")
			Expect(err).NotTo(HaveOccurred())

			Eventually(procs.terminatedPIDs, "2s", "20ms").Should(ContainElement(int32(100)))
			Consistently(procs.terminatedPIDs, "200ms", "50ms").ShouldNot(ContainElement(int32(200)))

			Expect(orch.Deactivate("2468")).To(Succeed())

			kinds := eventKinds()
			Expect(kinds).To(ContainElements(
				domain.EventActivated,
				domain.EventViolationDetected,
				domain.EventDeactivated,
			))
			Expect(store.VerifyChain()).To(Succeed())
		})

		It("refuses strict deactivation without the PIN", func() {
			_, err := orch.Activate("deep-work", "")
			Expect(err).NotTo(HaveOccurred())

			Expect(orch.Deactivate("0000")).To(MatchError(domain.ErrWrongPin))
			Expect(orch.Current()).NotTo(BeNil())
			Expect(orch.Current().State).To(Equal(domain.StateLocked))

			Expect(orch.Deactivate("2468")).To(Succeed())
			Expect(orch.Current()).To(BeNil())
		})

		It("rejects a second activation while a session runs", func() {
			_, err := orch.Activate("deep-work", "")
			Expect(err).NotTo(HaveOccurred())

			_, err = orch.Activate("deep-work", "")
			Expect(err).To(HaveOccurred())

			Expect(orch.Deactivate("2468")).To(Succeed())
		})
	})

	Describe("Browser domain lock", func() {
		BeforeEach(func() {
			writeMode("writing.yaml", `
id: writing
locked_domain: docs.google.com
browser: chrome
`)
			orch = newOrchestrator()
			Expect(orch.Reconcile()).To(Succeed())
		})

		It("redirects off-domain pages back to the locked domain", func() {
			transport.mu.Lock()
			transport.pages = []domain.Page{
				{ID: "tab-1", Type: "page", URL: "https://docs.google.com/document/d/1"},
				{ID: "tab-2", Type: "page", URL: "https://news.ycombinator.com/"},
			}
			transport.mu.Unlock()

			_, err := orch.Activate("writing", "")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string {
				return transport.navigatedTo("tab-2")
			}, "2s", "20ms").Should(Equal("https://docs.google.com"))

			Expect(orch.Deactivate("")).To(Succeed())
			Expect(eventKinds()).To(ContainElement(domain.EventViolationDetected))
		})
	})

	Describe("Forced termination reconciliation", func() {
		It("records a forced termination for a session that never deactivated", func() {
			writeMode("focus.yaml", "id: focus\ndenied_apps:\n  - name: slack\n")
			orch = newOrchestrator()
			Expect(orch.Reconcile()).To(Succeed())

			_, err := orch.Activate("focus", "")
			Expect(err).NotTo(HaveOccurred())

			// Simulate a crash: the session row stays open, no
			// deactivated event is ever written.
			fresh := newOrchestrator()
			Expect(fresh.Reconcile()).To(Succeed())

			kinds := eventKinds()
			Expect(kinds).To(ContainElement(domain.EventForcedTermination))

			open, err := store.OpenSessions()
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(BeEmpty())

			// The crashed orchestrator's loops still run in this
			// process; shut them down to keep the test hermetic.
			Expect(orch.Deactivate("")).To(Succeed())
			orch = nil

			Expect(store.VerifyChain()).To(Succeed())
		})
	})
})
