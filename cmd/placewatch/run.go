package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanternops/placewatch/internal/alert"
	"github.com/lanternops/placewatch/internal/audit"
	"github.com/lanternops/placewatch/internal/commands"
	"github.com/lanternops/placewatch/internal/config"
	"github.com/lanternops/placewatch/internal/discord"
	"github.com/lanternops/placewatch/internal/events"
	"github.com/lanternops/placewatch/internal/health"
	"github.com/lanternops/placewatch/internal/httputil"
	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/names"
	"github.com/lanternops/placewatch/internal/panel"
	"github.com/lanternops/placewatch/internal/presence"
	"github.com/lanternops/placewatch/internal/roster"
	"github.com/lanternops/placewatch/internal/schedule"
	"github.com/lanternops/placewatch/internal/server"
	"github.com/lanternops/placewatch/internal/store"
	"github.com/lanternops/placewatch/internal/watcher"
	"github.com/lanternops/placewatch/internal/workerpool"
	"github.com/lanternops/placewatch/pkg/roblox"
)

var log = logging.L("main")

const (
	executorQueue   = 16
	shutdownTimeout = 15 * time.Second
)

func run(ctx context.Context) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.MustValidate(); err != nil {
		return err
	}

	closer, err := logging.Setup(cfg.Log.Format, cfg.Log.Level, cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	if err != nil {
		log.Warn("log file unavailable, logging to stdout only", logging.KeyError, err)
	}
	defer closer.Close()

	log.Info("starting placewatch",
		"version", version,
		"config", loader.ConfigFileUsed(),
		"groupId", cfg.GroupID,
		"minRank", cfg.MinRank,
		logging.KeyPlaceID, cfg.TargetPlaceID)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trail, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer trail.Close()
	trail.Log(audit.EventServiceStart, "", map[string]any{"version": version, "groupId": cfg.GroupID})
	defer trail.Log(audit.EventServiceStop, "", nil)

	hm := health.NewMonitor()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	hm.OnChange(func(prev, next health.Check) {
		broker.Publish(&events.Event{
			Type:    events.EventHealthChanged,
			Message: next.Message,
			Metadata: map[string]string{
				"component": next.Name,
				"from":      string(prev.Status),
				"to":        string(next.Status),
			},
		})
	})

	st, err := openStore(ctx, cfg)
	if err != nil {
		hm.Update(health.ComponentStore, health.Unhealthy, err.Error())
		return err
	}
	defer st.Close()
	hm.Update(health.ComponentStore, health.Healthy, "")

	bot, err := discord.New(cfg.Discord.Token, hm)
	if err != nil {
		return err
	}

	client := roblox.NewClient(roblox.NewHTTPClient(cfg.HTTP.Timeout), roblox.Options{
		GroupsURL:         cfg.Roblox.GroupsURL,
		PresenceURL:       cfg.Roblox.PresenceURL,
		UsersURL:          cfg.Roblox.UsersURL,
		RequestsPerSecond: cfg.Roblox.RequestsPerSecond,
		Burst:             cfg.Roblox.Burst,
		Policy:            retryPolicy(cfg),
	})

	sched := schedule.New(schedule.RealClock())
	exec := workerpool.NewSerial(executorQueue)

	r := roster.New()
	tracker := presence.NewTracker()
	pub := panel.NewPublisher(bot, st, panelOptions(cfg))
	pub.Load(ctx)
	alerts := alert.NewEmitter(bot, cfg.AlertsEnabled)

	w := watcher.New(watcher.Options{
		GroupID:         cfg.GroupID,
		MinRank:         cfg.MinRank,
		TargetPlaceID:   cfg.TargetPlaceID,
		PollInterval:    cfg.PollInterval,
		RosterInterval:  cfg.RosterRefreshInterval,
		EmptyRetryDelay: cfg.Roster.EmptyRetryDelay,
	}, watcher.Deps{
		Roster:    r,
		Refresher: roster.NewRefresher(client, r, cfg.GroupID, cfg.MinRank, cfg.Roster.PageSize),
		Tracker:   tracker,
		Poller:    presence.NewPoller(client, tracker, r.Set, cfg.TargetPlaceID),
		Names:     names.NewResolver(client),
		Panel:     pub,
		Alerts:    alerts,
		Scheduler: sched,
		Executor:  exec,
		Health:    hm,
		Events:    broker,
	})
	dispatcher := commands.NewDispatcher(w, bot)
	if trail != nil {
		dispatcher.SetAuditor(trail)
	}
	bot.SetHandler(dispatcher)

	loader.Watch(func(next *config.Config) {
		alerts.SetEnabled(next.AlertsEnabled)
		pub.SetOptions(reloadPanelOptions(pub.Options(), next))
		trail.Log(audit.EventConfigReloaded, "", map[string]any{
			"alertsEnabled": next.AlertsEnabled,
			"panelTitle":    next.Panel.Title,
			"panelMaxNames": next.Panel.MaxNames,
		})
		log.Info("applied reloadable settings", "alertsEnabled", next.AlertsEnabled, "panelTitle", next.Panel.Title)
	})

	var srv *server.Server
	if cfg.HTTP.Listen != "" {
		srv = server.New(hm, broker, version)
		go func() {
			if err := srv.ListenAndServe(cfg.HTTP.Listen); err != nil {
				log.Error("keepalive server failed", logging.KeyError, err)
			}
		}()
	}

	if err := bot.Open(); err != nil {
		return err
	}
	log.Info("connected to discord, use /start in your server")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	w.Shutdown(shutdownCtx)
	if err := bot.Close(); err != nil {
		log.Warn("discord close failed", logging.KeyError, err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("keepalive shutdown failed", logging.KeyError, err)
		}
	}
	return nil
}

func retryPolicy(cfg *config.Config) httputil.Policy {
	p := httputil.DefaultPolicy()
	p.MaxAttempts = cfg.Roblox.MaxAttempts
	p.InitialDelay = cfg.Roblox.InitialDelay
	p.MaxDelay = cfg.Roblox.MaxDelay
	return p
}

func panelOptions(cfg *config.Config) panel.Options {
	return panel.Options{
		Title:         cfg.Panel.Title,
		GroupID:       cfg.GroupID,
		MinRank:       cfg.MinRank,
		TargetPlaceID: cfg.TargetPlaceID,
		MaxNames:      cfg.Panel.MaxNames,
		Timezone:      cfg.Timezone,
	}
}

// reloadPanelOptions applies the hot-reloadable panel settings to cur.
// Group, rank and target place only change on restart, so the running panel
// keeps describing what the watcher actually watches.
func reloadPanelOptions(cur panel.Options, next *config.Config) panel.Options {
	cur.Title = next.Panel.Title
	cur.MaxNames = next.Panel.MaxNames
	cur.Timezone = next.Timezone
	return cur
}

// openAudit returns nil when the trail is disabled.
func openAudit(cfg *config.Config) (*audit.Logger, error) {
	if cfg.Audit.File == "" {
		return nil, nil
	}
	trail, err := audit.NewLogger(cfg.Audit.File, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	return trail, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	s := cfg.State
	st, err := store.Open(ctx, store.Config{
		Backend: s.Backend,
		Path:    s.Path,
		Key:     s.Key,
		S3: store.S3Options{
			Bucket:          s.S3.Bucket,
			Region:          s.S3.Region,
			Endpoint:        s.S3.Endpoint,
			AccessKeyID:     s.S3.AccessKeyID,
			SecretAccessKey: s.S3.SecretAccessKey,
			SessionToken:    s.S3.SessionToken,
		},
		GCS: store.GCSOptions{
			Bucket:          s.GCS.Bucket,
			CredentialsFile: s.GCS.CredentialsFile,
		},
		Azure: store.AzureOptions{
			ConnectionString: s.Azure.ConnectionString,
			Container:        s.Azure.Container,
		},
		B2: store.B2Options{
			AccountID:      s.B2.AccountID,
			ApplicationKey: s.B2.ApplicationKey,
			Bucket:         s.B2.Bucket,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	log.Info("state store ready", "store", st.Name())
	return st, nil
}
