package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the overlay whenever a .rego file under the policy path changes.
// It blocks until ctx is cancelled.
func (o *OPAOverlay) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(o.config.Path); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	o.logger.Info("Watching policy overlay directory", zap.String("path", o.config.Path))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".rego" || event.Op == fsnotify.Chmod {
				continue
			}
			o.logger.Debug("Policy file event",
				zap.String("file", filepath.Base(event.Name)),
				zap.String("op", event.Op.String()),
			)
			// coalesce bursts of writes from editors and deploy tools
			pending = time.After(reloadDebounce)
		case <-pending:
			pending = nil
			if err := o.LoadPolicies(); err != nil {
				o.logger.Error("Policy overlay reload failed, keeping previous policies", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Error("Policy watcher error", zap.Error(err))
		}
	}
}
