// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// templateExt is the suffix of per-destination template files.
const templateExt = ".tmpl"

// reloadDebounce collapses editor write bursts into one reload.
const reloadDebounce = 250 * time.Millisecond

// TemplateRenderer renders payloads from <dir>/<destination>.tmpl when such
// a file exists and falls back to another renderer otherwise. Template output
// must be a valid JSON document.
type TemplateRenderer struct {
	dir       string
	fallback  Renderer
	templates atomic.Pointer[map[string]*template.Template]
	funcMap   template.FuncMap
}

var _ Renderer = (*TemplateRenderer)(nil)

// NewTemplateRenderer loads every template in dir. An empty dir disables
// templates. A template that fails to parse is an error at startup.
func NewTemplateRenderer(dir string, fallback Renderer) (*TemplateRenderer, error) {
	if fallback == nil {
		fallback = EmbedRenderer{}
	}
	tr := &TemplateRenderer{dir: dir, fallback: fallback, funcMap: buildFuncMap()}
	empty := map[string]*template.Template{}
	tr.templates.Store(&empty)
	if dir == "" {
		return tr, nil
	}
	if err := tr.Reload(); err != nil {
		return nil, err
	}
	return tr, nil
}

// Render implements Renderer.
func (tr *TemplateRenderer) Render(rc *RenderContext) ([]byte, error) {
	tmpl := (*tr.templates.Load())[rc.Destination.ID]
	if tmpl == nil {
		return tr.fallback.Render(rc)
	}
	if len(rc.Notifications) == 0 {
		return nil, fmt.Errorf("%w: nothing to render", ErrTemplate)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, rc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTemplate, tmpl.Name(), err)
	}
	out := bytes.TrimSpace(buf.Bytes())
	if !json.Valid(out) {
		return nil, fmt.Errorf("%w: %s produced invalid JSON", ErrTemplate, tmpl.Name())
	}
	return out, nil
}

// Has reports whether destination id has a custom template loaded.
func (tr *TemplateRenderer) Has(id string) bool {
	_, ok := (*tr.templates.Load())[id]
	return ok
}

// Reload re-parses the template directory. The loaded set is swapped only
// when every file parses; otherwise the previous set stays active.
func (tr *TemplateRenderer) Reload() error {
	if tr.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(tr.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			empty := map[string]*template.Template{}
			tr.templates.Store(&empty)
			return nil
		}
		return fmt.Errorf("read template dir: %w", err)
	}

	loaded := make(map[string]*template.Template, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), templateExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), templateExt)
		content, err := os.ReadFile(filepath.Join(tr.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		tmpl, err := template.New(e.Name()).Funcs(tr.funcMap).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %w", ErrTemplate, e.Name(), err)
		}
		loaded[id] = tmpl
	}
	tr.templates.Store(&loaded)
	return nil
}

// Watch reloads templates when files in the directory change, until ctx is
// canceled.
func (tr *TemplateRenderer) Watch(ctx context.Context) error {
	if tr.dir == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(tr.dir); err != nil {
		return fmt.Errorf("watch %s: %w", tr.dir, err)
	}

	logger := logging.WithComponent("templates")
	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, templateExt) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Template watcher error")
		case <-fire:
			fire = nil
			if err := tr.Reload(); err != nil {
				metrics.TemplateReloads.WithLabelValues("error").Inc()
				logger.Error().Err(err).Msg("Template reload failed; keeping previous templates")
				continue
			}
			metrics.TemplateReloads.WithLabelValues("success").Inc()
			logger.Info().Int("templates", len(*tr.templates.Load())).Msg("Templates reloaded")
		}
	}
}

func (tr *TemplateRenderer) String() string { return "template-watcher" }

func buildFuncMap() template.FuncMap {
	return template.FuncMap{
		// json emits a JSON-encoded value, quotes included for strings.
		"json": func(v interface{}) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
		"truncate":   truncate,
		"resolution": models.ResolutionLabel,
		"formatTime": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"rfc3339": func(t time.Time) string {
			return t.UTC().Format(time.RFC3339)
		},
		"join":        strings.Join,
		"toUpperCase": strings.ToUpper,
		"toLowerCase": strings.ToLower,
		"default": func(def, v string) string {
			if v == "" {
				return def
			}
			return v
		},
		"channels": channelLayout,
		"bytes":    humanBytes,
	}
}
