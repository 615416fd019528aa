// Package policy loads and validates focus mode policies from YAML
// documents in a modes directory. The engine treats policies as
// read-only input; authoring/editing is an external concern.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

// knownBrowsers are the browser kinds the controller can attach to.
var knownBrowsers = map[domain.BrowserKind]struct{}{
	domain.BrowserChrome: {},
	domain.BrowserBrave:  {},
	domain.BrowserEdge:   {},
}

// LoadFile parses and validates one policy document.
func LoadFile(path string) (*domain.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p domain.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &domain.ConfigError{Field: filepath.Base(path), Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadDir loads every *.yaml / *.yml policy under dir, sorted by ID.
// A single invalid document fails the whole load: activation must never
// proceed on a partially understood rule set.
func LoadDir(dir string) ([]domain.Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read modes directory: %w", err)
	}

	var policies []domain.Policy
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.ID]; dup {
			return nil, &domain.ConfigError{
				PolicyID: p.ID,
				Field:    "id",
				Reason:   fmt.Sprintf("duplicate of %s", prev),
			}
		}
		seen[p.ID] = e.Name()
		policies = append(policies, *p)
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

// Validate checks a policy for internal consistency. Ambiguous rules are
// flagged as configuration errors, not silently resolved.
func Validate(p domain.Policy) error {
	if p.ID == "" {
		return &domain.ConfigError{Field: "id", Reason: "must not be empty"}
	}

	allowedNames := make(map[string]struct{}, len(p.AllowedApps))
	for _, m := range p.AllowedApps {
		if m.Name == "" {
			return &domain.ConfigError{PolicyID: p.ID, Field: "allowed_apps", Reason: "matcher with empty name"}
		}
		allowedNames[strings.ToLower(m.Name)] = struct{}{}
	}
	for _, m := range p.DeniedApps {
		if m.Name == "" {
			return &domain.ConfigError{PolicyID: p.ID, Field: "denied_apps", Reason: "matcher with empty name"}
		}
		name := strings.ToLower(m.Name)
		if _, ambiguous := allowedNames[name]; ambiguous {
			return &domain.ConfigError{
				PolicyID: p.ID,
				Field:    "denied_apps",
				Reason:   fmt.Sprintf("%q appears in both allowed_apps and denied_apps", m.Name),
			}
		}
		if domain.IsProtectedProcess(name) {
			return &domain.ConfigError{
				PolicyID: p.ID,
				Field:    "denied_apps",
				Reason:   fmt.Sprintf("%q is a protected system process", m.Name),
			}
		}
	}

	if p.WhitelistOnly && len(p.AllowedApps) == 0 {
		return &domain.ConfigError{PolicyID: p.ID, Field: "whitelist_only", Reason: "requires a non-empty allowed_apps list"}
	}

	if p.SingleDomainLock() && len(p.AllowedDomains) > 0 {
		return &domain.ConfigError{
			PolicyID: p.ID,
			Field:    "locked_domain",
			Reason:   "cannot combine locked_domain with allowed_domains",
		}
	}
	if (p.SingleDomainLock() || len(p.AllowedDomains) > 0) && p.Browser == "" {
		return &domain.ConfigError{PolicyID: p.ID, Field: "browser", Reason: "required when domain rules are set"}
	}
	if p.Browser != "" {
		if _, ok := knownBrowsers[p.Browser]; !ok {
			return &domain.ConfigError{
				PolicyID: p.ID,
				Field:    "browser",
				Reason:   fmt.Sprintf("unknown browser %q", p.Browser),
			}
		}
	}

	if p.SessionMinutes < 0 {
		return &domain.ConfigError{PolicyID: p.ID, Field: "session_minutes", Reason: "must not be negative"}
	}
	return nil
}
