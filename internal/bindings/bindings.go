// Package bindings loads the user-authored binding rules from a YAML file
// and keeps them fresh. Bindings are authored by the surrounding product;
// this side only reads them.
package bindings

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/you/tunereactor/internal/core"
)

type file struct {
	Bindings []core.Binding `yaml:"bindings"`
}

// Load reads and validates the bindings file. Invalid individual bindings
// fail the whole load; a half-applied rule set is worse than a stale one.
func Load(path string) ([]core.Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bindings: read %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bindings: parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Bindings))
	for i := range f.Bindings {
		b := &f.Bindings[i]
		if err := validate(b); err != nil {
			return nil, fmt.Errorf("bindings: %s: %w", describe(b, i), err)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("bindings: duplicate id %q", b.ID)
		}
		seen[b.ID] = true
	}
	return f.Bindings, nil
}

func describe(b *core.Binding, i int) string {
	if b.ID != "" {
		return "binding " + b.ID
	}
	return fmt.Sprintf("binding #%d", i)
}

func validate(b *core.Binding) error {
	if b.ID == "" {
		return fmt.Errorf("missing id")
	}
	switch b.Kind {
	case core.KindChannelPoints:
		if b.RewardID == "" {
			return fmt.Errorf("channel_points binding needs reward_id")
		}
	case core.KindCheer, core.KindSub, core.KindFollow:
	default:
		return fmt.Errorf("unknown kind %q", b.Kind)
	}

	if b.Amount != nil {
		switch b.Amount.Mode {
		case core.AmountExact, core.AmountRange:
		default:
			return fmt.Errorf("unknown amount mode %q", b.Amount.Mode)
		}
		if b.Amount.Mode == core.AmountRange && b.Amount.Min != nil && b.Amount.Max != nil &&
			*b.Amount.Min > *b.Amount.Max {
			return fmt.Errorf("amount range min %d > max %d", *b.Amount.Min, *b.Amount.Max)
		}
	}

	if b.Action.Value != 0 || b.Action.Mode == core.ActionSet {
		switch b.Action.Axis {
		case core.AxisPitch, core.AxisSpeed:
		default:
			return fmt.Errorf("unknown action axis %q", b.Action.Axis)
		}
		switch b.Action.Mode {
		case core.ActionAdd, core.ActionSet:
		default:
			return fmt.Errorf("unknown action mode %q", b.Action.Mode)
		}
	}

	if b.DelaySeconds < 0 {
		return fmt.Errorf("negative delay")
	}
	if b.DurationSeconds != nil && *b.DurationSeconds <= 0 {
		return fmt.Errorf("duration must be positive when set")
	}
	return nil
}

// Provider holds the current rule set and swaps it atomically on reload.
type Provider struct {
	path string

	mu       sync.RWMutex
	bindings []core.Binding
}

// NewProvider loads path once; the initial load must succeed.
func NewProvider(path string) (*Provider, error) {
	bs, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Provider{path: path, bindings: bs}, nil
}

// Bindings returns the current rule set. Callers must not mutate it.
func (p *Provider) Bindings() []core.Binding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bindings
}

// Reload re-reads the file. On error the previous rule set stays active.
func (p *Provider) Reload() (int, error) {
	bs, err := Load(p.path)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.bindings = bs
	p.mu.Unlock()
	return len(bs), nil
}

// Watch reloads the bindings file on change, debounced so editors that
// write-then-rename only trigger one reload.
func (p *Provider) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(p.path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("bindings watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				n, err := p.Reload()
				if err != nil {
					slog.Error("bindings reload failed", "err", err)
					continue
				}
				slog.Info("bindings reloaded", "count", n)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("bindings watch error", "err", err)
			}
		}
	}()
	return nil
}
