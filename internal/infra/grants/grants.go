// Package grants resolves which other tenants a tenant may read, from a
// YAML file that is reloaded when it changes on disk.
//
//	grants:
//	  firm-a: [client-1, client-2]
package grants

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type file struct {
	Grants map[string][]string `yaml:"grants"`
}

type table map[string][]string

// Resolver serves the most recently loaded grant table. The zero table
// grants nothing.
type Resolver struct {
	path    string
	logger  log.FieldLogger
	current atomic.Pointer[table]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func Static(grants map[string][]string) *Resolver {
	r := &Resolver{logger: log.StandardLogger()}
	r.current.Store(normalize(grants))
	return r
}

// Load reads path once. An empty path yields a resolver with no grants.
func Load(path string, logger log.FieldLogger) (*Resolver, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Resolver{path: path, logger: logger.WithField("grants_file", path)}
	empty := table{}
	r.current.Store(&empty)
	if path == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Allowed returns the tenants tenantID may access besides itself.
func (r *Resolver) Allowed(tenantID string) []string {
	if r == nil || tenantID == "" {
		return nil
	}
	t := r.current.Load()
	if t == nil {
		return nil
	}
	return append([]string(nil), (*t)[tenantID]...)
}

func (r *Resolver) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read grants: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse grants %s: %w", r.path, err)
	}
	r.current.Store(normalize(f.Grants))
	return nil
}

// Watch reloads the file whenever it is written or replaced. A file that
// fails to parse keeps the previous table.
func (r *Resolver) Watch() error {
	if r.path == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("grants watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := fw.Add(filepath.Dir(r.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	r.watcher = fw
	r.done = make(chan struct{})
	go r.loop(fw, r.done)
	return nil
}

func (r *Resolver) loop(fw *fsnotify.Watcher, done chan struct{}) {
	name := filepath.Base(r.path)
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.WithError(err).Warn("grants reload failed; keeping previous grants")
				continue
			}
			r.logger.Info("grants reloaded")
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Error("grants watcher error")
		case <-done:
			return
		}
	}
}

func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.watcher = nil
	return err
}

func normalize(in map[string][]string) *table {
	out := make(table, len(in))
	for tenant, targets := range in {
		seen := make(map[string]struct{}, len(targets))
		list := make([]string, 0, len(targets))
		for _, target := range targets {
			if target == "" || target == tenant {
				continue
			}
			if _, dup := seen[target]; dup {
				continue
			}
			seen[target] = struct{}{}
			list = append(list, target)
		}
		sort.Strings(list)
		out[tenant] = list
	}
	return &out
}
