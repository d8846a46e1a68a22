package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/cachetx/internal/loggingutil"
)

// ErrNoServers reports a topology without members.
var ErrNoServers = errors.New("topology: no servers")

// Source produces authoritative topology snapshots on demand.
type Source interface {
	Load(ctx context.Context) (Topology, error)
}

// Static always returns the same topology.
type Static Topology

// Load implements Source.
func (s Static) Load(context.Context) (Topology, error) {
	if len(s.Servers) == 0 {
		return Topology{}, ErrNoServers
	}
	return Topology(s).Clone(), nil
}

// fileDocument is the on-disk YAML form of a topology.
type fileDocument struct {
	ID      int32    `yaml:"id"`
	Servers []string `yaml:"servers"`
}

// File loads a YAML topology document of the form
//
//	id: 3
//	servers:
//	  - 10.0.0.1:11222
//	  - 10.0.0.2:11222
type File struct {
	Path string
}

// Load implements Source.
func (f File) Load(context.Context) (Topology, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Topology{}, fmt.Errorf("topology: read %s: %w", f.Path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Topology{}, fmt.Errorf("topology: parse %s: %w", f.Path, err)
	}
	servers := make([]string, 0, len(doc.Servers))
	for _, s := range doc.Servers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		return Topology{}, fmt.Errorf("topology: %s: %w", f.Path, ErrNoServers)
	}
	return Topology{ID: doc.ID, Servers: servers}, nil
}

// Watcher republishes a File into a Reference whenever the file changes.
type Watcher struct {
	file    File
	ref     *Reference
	logger  pslog.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Watch starts watching file's directory. Editors often replace files rather
// than write them in place, so the parent directory is watched and events are
// filtered by name.
func Watch(file File, ref *Reference, logger pslog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("topology: create watcher: %w", err)
	}
	dir := filepath.Dir(file.Path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("topology: watch %q: %w", dir, err)
	}
	w := &Watcher{
		file:    file,
		ref:     ref,
		logger:  loggingutil.WithSubsystem(logger, "cachetx.topology"),
		watcher: fw,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	target := filepath.Clean(w.file.Path)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("topology.watch.error", "path", w.file.Path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := w.file.Load(context.Background())
	if err != nil {
		w.logger.Warn("topology.reload.error", "path", w.file.Path, "error", err)
		return
	}
	if w.ref.Publish(next) {
		w.logger.Info("topology.reload.published", "topology_id", next.ID, "servers", len(next.Servers))
		return
	}
	w.logger.Debug("topology.reload.stale", "topology_id", next.ID, "current_id", w.ref.ID())
}
