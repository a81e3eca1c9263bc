package credential

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher observes the credential directory and fires a debounced callback
// when credential files are added, rewritten, or removed. Lets externally
// provisioned credentials join rotation without a restart.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
}

// NewWatcher creates a watcher over dir. onChange runs on the watcher
// goroutine after the debounce window closes.
func NewWatcher(dir string, debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{dir: dir, debounce: debounce, onChange: onChange}
}

// Run blocks until the context is cancelled. A missing directory is not an
// error; the watcher simply exits and hot reload is unavailable.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		log.WithError(err).Warnf("Credential directory %s not watchable, hot reload disabled", w.dir)
		return nil
	}
	log.Infof("Watching credential directory %s", w.dir)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if !oauthFileRe.MatchString(name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debugf("Credential file event: %s %s", event.Op, name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.onChange()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Credential watcher error")
		}
	}
}
