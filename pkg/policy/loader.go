package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"
)

// PolicyNamespace is the package every export policy module must live under.
const PolicyNamespace = "data.jim.policies"

var namespaceRef = ast.MustParseRef(PolicyNamespace)

// denyRule is the rule export policies report violations through.
var denyRule = ast.VarTerm("deny")

// Loader reads export policies from .rego and .json files.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher
}

// cachedPolicy is a parsed policy file and the file state it was parsed from.
type cachedPolicy struct {
	policy  Policy
	modTime time.Time
	size    int64
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads the policies under paths, sorted by name. Any invalid
// policy file fails the whole load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}
	slices.SortFunc(all, func(a, b Policy) int { return strings.Compare(a.Name, b.Name) })

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	policy, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

// isPolicyFile reports whether a directory entry holds a policy. Rego unit
// test files are skipped.
func isPolicyFile(path string) bool {
	switch {
	case strings.HasSuffix(path, "_test.rego"):
		return false
	case strings.HasSuffix(path, ".rego"), strings.HasSuffix(path, ".json"):
		return true
	}
	return false
}

// loadFromDirectory loads every policy file below dirPath. Hidden files and
// directories are skipped.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy
	var errs []error

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dirPath {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		policy, err := l.loadFromFile(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return policies, nil
}

// loadFromFile loads one policy file. Unchanged files are served from cache.
func (l *Loader) loadFromFile(_ context.Context, filePath string) (*Policy, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[filePath]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policy = &Policy{
			Name:     strings.TrimSuffix(filepath.Base(filePath), ".rego"),
			Rego:     string(data),
			Severity: SeverityError,
			Enabled:  true,
			Tags:     []string{},
		}
	case strings.HasSuffix(filePath, ".json"):
		policy, err = parseJSONPolicy(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
	policy.Source = filePath

	module, err := parseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, err
	}
	if err := applyMetadata(policy, module); err != nil {
		return nil, err
	}
	if policy.Description == "" {
		policy.Description = extractDescription(policy.Rego)
	}

	l.mu.Lock()
	l.cache[filePath] = cachedPolicy{policy: *policy, modTime: info.ModTime(), size: info.Size()}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy loaded from file")
	return policy, nil
}

func parseJSONPolicy(data []byte) (*Policy, error) {
	policy := Policy{Enabled: true}
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if policy.Rego == "" {
		return nil, fmt.Errorf("JSON policy %s has no rego module", policy.Name)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	return &policy, nil
}

// parseModule parses an export policy module and checks that it lives under
// PolicyNamespace and defines a deny rule.
func parseModule(name, rego string) (*ast.Module, error) {
	module, err := ast.ParseModuleWithOpts(name, rego, ast.ParserOptions{ProcessAnnotation: true})
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	path := module.Package.Path
	if !path.HasPrefix(namespaceRef) || len(path) == len(namespaceRef) {
		return nil, fmt.Errorf("policy %s: package %s is not below %s",
			name, strings.TrimPrefix(path.String(), "data."), strings.TrimPrefix(PolicyNamespace, "data."))
	}

	for _, rule := range module.Rules {
		if ref := rule.Head.Ref(); len(ref) > 0 && ref[0].Equal(denyRule) {
			return module, nil
		}
	}
	return nil, fmt.Errorf("policy %s: package %s defines no deny rule", name, strings.TrimPrefix(path.String(), "data."))
}

// applyMetadata reads the package METADATA block. Custom keys: severity,
// tags and connected_systems.
func applyMetadata(policy *Policy, module *ast.Module) error {
	for _, a := range module.Annotations {
		if a.Scope != "package" {
			continue
		}
		if a.Description != "" {
			policy.Description = a.Description
		} else if a.Title != "" {
			policy.Description = a.Title
		}

		if raw, ok := a.Custom["severity"]; ok {
			s, _ := raw.(string)
			sev := Severity(s)
			switch sev {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				policy.Severity = sev
			default:
				return fmt.Errorf("policy %s: unknown severity %v", policy.Name, raw)
			}
		}

		tags, err := stringList(a.Custom["tags"])
		if err != nil {
			return fmt.Errorf("policy %s: tags: %w", policy.Name, err)
		}
		if tags != nil {
			policy.Tags = tags
		}

		systems, err := stringList(a.Custom["connected_systems"])
		if err != nil {
			return fmt.Errorf("policy %s: connected_systems: %w", policy.Name, err)
		}
		if systems != nil {
			policy.ConnectedSystems = systems
		}
	}
	return nil
}

func stringList(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("want strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want a string or list of strings, got %T", raw)
	}
}

// extractDescription joins the comment lines at the top of a module.
func extractDescription(content string) string {
	var description strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && description.Len() > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" || strings.HasPrefix(comment, "package") {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}
	return description.String()
}

// forget drops the cached copy of a file.
func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// Watch reloads the policies under paths when their files change and hands
// them to reloadFn. A failed reload is logged and leaves the caller's
// policies in place.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(p)
				}
				return nil
			})
		} else {
			err = watcher.Add(path)
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

const reloadDelay = 500 * time.Millisecond

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			l.forget(event.Name)

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies, keeping the previous set")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops a watch started by Watch.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
