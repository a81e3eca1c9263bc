package providerauth

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
)

// BackgroundRefresher walks every OAuth credential on a fixed tick and asks
// its authenticator to queue a refresh when the token is near expiry. Keeps
// tokens warm so request paths rarely pay the inline refresh cost.
type BackgroundRefresher struct {
	interval time.Duration
	list     func() []*credential.Credential
	authFor  func(provider string) *OAuthAuthenticator

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewBackgroundRefresher wires the refresher to a credential lister and an
// authenticator lookup. Interval <= 0 defaults to 60s.
func NewBackgroundRefresher(interval time.Duration, list func() []*credential.Credential, authFor func(provider string) *OAuthAuthenticator) *BackgroundRefresher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &BackgroundRefresher{
		interval: interval,
		list:     list,
		authFor:  authFor,
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop. Safe to call once.
func (b *BackgroundRefresher) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		go b.loop(runCtx)
	})
}

func (b *BackgroundRefresher) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	log.Infof("Background token refresher started (interval %s)", b.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("Background token refresher stopped")
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *BackgroundRefresher) tick() {
	for _, cred := range b.list() {
		if cred.Kind != credential.KindOAuth {
			continue
		}
		auth := b.authFor(cred.Provider)
		if auth == nil {
			continue
		}
		auth.ProactivelyRefresh(cred)
	}
}

// Stop cancels the loop and waits for it to exit.
func (b *BackgroundRefresher) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
			<-b.done
		}
	})
}
