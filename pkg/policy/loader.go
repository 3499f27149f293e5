package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
)

// Bundle is the on-disk form of a policy version: a named, semver'd
// collection of rule specs. Bundles can be loaded from the filesystem or
// baked into container images, so policy changes ship without code
// deployments.
type Bundle struct {
	Name    string     `json:"name"`
	Version string     `json:"version"`
	Rules   []RuleSpec `json:"rules"`
}

// Loader reads policy bundles from a directory, compiles them into one
// coherent RuleSet, and installs it atomically on the Provider. A bad
// bundle never partially applies: the previous set stays active.
type Loader struct {
	dir      string
	provider *Provider
	logger   *slog.Logger
	onReload func(rs *RuleSet)
}

// NewLoader creates a loader for *.json bundles under dir.
func NewLoader(dir string, provider *Provider, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, provider: provider, logger: logger}
}

// OnReload registers a callback invoked after each successful install.
func (l *Loader) OnReload(fn func(rs *RuleSet)) {
	l.onReload = fn
}

// Load reads every bundle, validates versions, compiles the merged rule
// set, and swaps it in. Returns the installed set.
func (l *Loader) Load() (*RuleSet, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read dir %s: %w", l.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	// Deterministic merge order regardless of directory listing order.
	sort.Strings(names)

	var (
		specs    []RuleSpec
		versions []string
	)
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", name, err)
		}
		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", name, err)
		}
		if _, err := semver.NewVersion(bundle.Version); err != nil {
			return nil, fmt.Errorf("policy: bundle %s: invalid version %q: %w", name, bundle.Version, err)
		}
		if bundle.Name == "" {
			bundle.Name = strings.TrimSuffix(name, ".json")
		}
		specs = append(specs, bundle.Rules...)
		versions = append(versions, bundle.Name+"@"+bundle.Version)
	}

	rs, err := Compile(strings.Join(versions, ","), specs)
	if err != nil {
		return nil, err
	}

	l.provider.Swap(rs)
	l.logger.Info("policy rule set installed",
		"version", rs.Version,
		"hash", rs.Hash,
		"rules", len(specs),
	)
	if l.onReload != nil {
		l.onReload(rs)
	}
	return rs, nil
}

// Watch reloads bundles whenever the directory changes, until ctx is
// cancelled. Failed reloads keep the previous rule set active — the
// system degrades to stale policy, never to no policy or partial
// policy.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("policy: watch %s: %w", l.dir, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".json" {
					continue
				}
				if _, err := l.Load(); err != nil {
					l.logger.Error("policy reload rejected, previous rule set stays active",
						"trigger", ev.Name,
						"error", err,
					)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
