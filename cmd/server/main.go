package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/config"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/logging"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/providerauth"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/rotator"
	srv "github.com/berthojoris/LLM-API-Key-Proxy/internal/server"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/statestore"
	"github.com/berthojoris/LLM-API-Key-Proxy/internal/upstream"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	host := flag.String("host", "", "Bind address (overrides config)")
	port := flag.String("port", "", "Bind port (overrides config)")
	enableRequestLogging := flag.Bool("enable-request-logging", false, "Log every HTTP request")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	loadDotEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *debug {
		cfg.Security.Debug = true
	}
	if *enableRequestLogging {
		cfg.EnableRequestLogging = true
	}

	if err := logging.Setup(logging.Options{Debug: cfg.Security.Debug, LogFile: cfg.Security.LogFile}); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	log.Infof("Starting LLM API key proxy (config: %s)", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateBackend := buildStateBackend(ctx, cfg)
	if stateBackend != nil {
		defer stateBackend.Close()
	}

	store := credential.NewStore(cfg.OAuth.CredsDir)
	manager := credential.NewManager(store)
	coordinator := providerauth.NewReauthCoordinator(
		providerauth.WithCoordinatorTimeout(time.Duration(cfg.OAuth.ReauthTimeoutSec) * time.Second),
	)

	client := rotator.New(upstream.NewClient(),
		rotator.WithMaxConcurrentFunc(cfg.MaxConcurrentFor),
	)

	rt := &runtime{
		cfg:         cfg,
		store:       store,
		manager:     manager,
		coordinator: coordinator,
		states:      stateBackend,
		client:      client,
		auths:       make(map[string]*providerauth.OAuthAuthenticator),
		known:       make(map[string]bool),
	}
	defer rt.closeAuths()

	if err := rt.loadCredentials(ctx); err != nil {
		log.WithError(err).Fatal("Credential discovery failed")
	}
	rt.logStartupSummary()

	refresher := providerauth.NewBackgroundRefresher(
		time.Duration(cfg.OAuth.BackgroundTickSec)*time.Second,
		client.AllCredentials,
		rt.authFor,
	)
	refresher.Start(ctx)
	defer refresher.Stop()

	watcher := credential.NewWatcher(cfg.OAuth.CredsDir, 0, func() {
		if err := rt.loadCredentials(ctx); err != nil {
			log.WithError(err).Warn("Credential reload failed")
		}
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.WithError(err).Warn("Credential watcher exited")
		}
	}()

	filter := rotator.NewModelFilter(cfg.IgnoreModels, cfg.WhitelistModels)
	engine := srv.New(cfg, client, filter).Engine()

	httpSrv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: engine,
	}
	go func() {
		log.Infof("Proxy listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown incomplete")
	}
	cancel()
	log.Info("Proxy stopped")
}

// loadDotEnv loads .env first, then any other *.env files in the working
// directory, never overriding variables already set in the environment.
func loadDotEnv() {
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded .env")
	}
	matches, _ := filepath.Glob("*.env")
	sort.Strings(matches)
	for _, m := range matches {
		if m == ".env" {
			continue
		}
		if err := godotenv.Load(m); err == nil {
			log.Debugf("Loaded %s", m)
		}
	}
}

func buildStateBackend(ctx context.Context, cfg *config.Config) statestore.Backend {
	switch strings.ToLower(cfg.State.Backend) {
	case "redis":
		backend, err := statestore.NewRedisBackend(ctx, cfg.State.RedisAddr, cfg.State.RedisDB)
		if err != nil {
			log.WithError(err).Warn("Redis state backend unavailable, falling back to file")
		} else {
			log.Infof("Using redis state backend at %s", cfg.State.RedisAddr)
			return backend
		}
		fallthrough
	default:
		path := filepath.Join(cfg.OAuth.CredsDir, "runtime_state.json")
		return statestore.NewFileBackend(path)
	}
}

// runtime ties discovery, authenticators and the rotation pool together so
// the watcher can re-run discovery at any time.
type runtime struct {
	cfg         *config.Config
	store       *credential.Store
	manager     *credential.Manager
	coordinator *providerauth.ReauthCoordinator
	states      statestore.Backend
	client      *rotator.RotatingClient

	mu    sync.Mutex
	auths map[string]*providerauth.OAuthAuthenticator
	known map[string]bool
}

func (rt *runtime) authFor(provider string) *providerauth.OAuthAuthenticator {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.auths[strings.ToLower(provider)]
}

func (rt *runtime) closeAuths() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, auth := range rt.auths {
		auth.Close()
	}
}

// oauthAuthenticator returns (creating on demand) the OAuth lifecycle
// manager for a provider.
func (rt *runtime) oauthAuthenticator(provider string) *providerauth.OAuthAuthenticator {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if auth, ok := rt.auths[provider]; ok {
		return auth
	}
	spec, ok := providerauth.Lookup(provider)
	if !ok {
		spec = providerauth.Spec{Name: provider, OAuth: true}
	}
	auth := providerauth.NewOAuthAuthenticator(spec, rt.store, rt.coordinator,
		providerauth.WithRefreshBuffer(time.Duration(rt.cfg.OAuth.RefreshExpiryBufferSec)*time.Second),
		providerauth.WithReauthTimeout(time.Duration(rt.cfg.OAuth.ReauthTimeoutSec)*time.Second),
		providerauth.WithStateBackend(rt.states),
		providerauth.WithElectronMode(rt.cfg.ElectronOAuthMode),
		providerauth.WithQueueOptions(
			providerauth.WithUnavailableTTL(time.Duration(rt.cfg.OAuth.UnavailableTTLSec)*time.Second),
		),
	)
	rt.auths[provider] = auth
	return auth
}

// loadCredentials runs discovery and registers anything new with the
// rotation pool. Already-registered sources are left untouched.
func (rt *runtime) loadCredentials(ctx context.Context) error {
	creds, err := rt.manager.Discover(rt.cfg.APIKeys, rt.cfg.BaseURLOverrides)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		rt.mu.Lock()
		seen := rt.known[cred.Source]
		rt.known[cred.Source] = true
		rt.mu.Unlock()
		if seen {
			continue
		}

		if cred.Kind == credential.KindOAuth {
			auth := rt.oauthAuthenticator(cred.Provider)
			if !rt.cfg.SkipOAuthInitCheck {
				if err := auth.Initialize(ctx, cred); err != nil {
					log.WithError(err).Warnf("Startup validation failed for %s, registering anyway", cred.DisplayName())
				}
			}
			rt.client.Register(cred, auth)
		} else {
			rt.client.Register(cred, providerauth.NewAPIKeyAuth(cred.Provider))
		}
		log.Infof("Registered %s credential %s for provider %s", cred.Kind, cred.DisplayName(), cred.Provider)
	}
	return nil
}

func (rt *runtime) logStartupSummary() {
	providers := rt.client.Providers()
	if len(providers) == 0 {
		log.Warn("No credentials discovered; the proxy will reject all requests")
		return
	}
	for _, provider := range providers {
		log.Infof("Provider %s: %d credential(s)", provider, len(rt.client.Credentials(provider)))
	}
}
