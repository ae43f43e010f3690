/*
Copyright 2025 SnowFlow Operations, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/snowflow/license-server/lib/auth"
	"github.com/snowflow/license-server/lib/job"
	"github.com/snowflow/license-server/lib/kms"
	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/saml"
	"github.com/snowflow/license-server/lib/schedule"
	"github.com/snowflow/license-server/lib/seats"
	"github.com/snowflow/license-server/lib/secrets"
	"github.com/snowflow/license-server/lib/storage"
	"github.com/snowflow/license-server/lib/vault"
	"github.com/snowflow/license-server/lib/web"
)

const (
	// httpShutdownTimeout bounds the graceful drain of in-flight requests.
	httpShutdownTimeout = 5 * time.Second

	// Periodic task cadence.
	reaperInterval            = time.Minute
	sessionSweepInterval      = time.Hour
	tokenRefreshInterval      = 5 * time.Minute
	instanceHeartbeatInterval = 30 * time.Second

	// instanceStaleAfter is how long a server instance may go silent before
	// its peers drop it from the instances table. Four missed beats.
	instanceStaleAfter = 2 * time.Minute
)

// App contains global application state.
type App struct {
	conf Config

	// Tools dispatches /mcp/tools/call requests; nil leaves the endpoint
	// answering Not Implemented.
	Tools web.ToolDispatcher
	// Refresher rotates expiring OAuth credentials; nil disables the
	// refresh task.
	Refresher vault.Refresher

	db      *storage.DB
	httpSrv *web.HTTP
	mainJob job.ServiceJob

	*job.Process
}

// NewApp builds the application around a validated configuration.
func NewApp(conf Config) (*App, error) {
	if err := conf.HTTP.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	app := &App{conf: conf}
	app.mainJob = job.NewServiceJob(app.run)
	return app, nil
}

// Run starts the server and blocks until it terminates.
func (a *App) Run(ctx context.Context) error {
	a.Process = job.NewProcess(ctx)
	a.SpawnCriticalJob(a.mainJob)
	<-a.Process.Done()
	return trace.Wrap(a.mainJob.Err())
}

// Err returns the error the app finished with.
func (a *App) Err() error {
	return trace.Wrap(a.mainJob.Err())
}

// WaitReady waits for the HTTP server and the task scheduler to start up.
func (a *App) WaitReady(ctx context.Context) (bool, error) {
	return a.mainJob.WaitReady(ctx)
}

func (a *App) run(ctx context.Context) error {
	log := logger.Get(ctx)
	log.Infof("Starting SnowFlow license server %s:%s", Version, Gitref)

	clock := clockwork.NewRealClock()

	db, err := storage.Open(ctx, a.conf.DB)
	if err != nil {
		return trace.Wrap(err, "connecting to the database")
	}
	a.db = db
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close the database pool")
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return trace.Wrap(err, "applying schema migrations")
	}

	cipher, err := secrets.NewCipher(a.conf.Secrets.KeyBytes())
	if err != nil {
		return trace.Wrap(err)
	}
	crypto, err := kms.NewService(ctx, a.conf.KMS, cipher)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err := crypto.Close(); err != nil {
			log.WithError(err).Warn("Failed to close the KMS client")
		}
	}()

	seatMgr, err := seats.NewManager(seats.NewBackend(db), clock, a.conf.Seats)
	if err != nil {
		return trace.Wrap(err)
	}
	credVault := vault.NewVault(vault.NewBackend(db), crypto, clock)

	licenses := auth.NewLicenseAuth(db, a.conf.Secrets.LicenseSecret, clock)
	tokens, err := auth.NewTokenService(a.conf.Secrets.JWTSecret, clock)
	if err != nil {
		return trace.Wrap(err)
	}
	sessions := auth.NewSessionManager(db, tokens, clock)

	tenantLimiter, err := auth.NewRateLimiter(a.conf.Limits.TenantRequests, a.conf.Limits.TenantInterval)
	if err != nil {
		return trace.Wrap(err)
	}
	ipLimiter, err := auth.NewRateLimiter(a.conf.Limits.IPRequests, a.conf.Limits.IPInterval)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tenantLimiter.Close(closeCtx)
		_ = ipLimiter.Close(closeCtx)
	}()

	httpSrv, err := web.NewHTTP(a.conf.HTTP)
	if err != nil {
		return trace.Wrap(err)
	}
	a.httpSrv = httpSrv
	a.OnTerminate(func(ctx context.Context) error {
		return httpSrv.ShutdownWithTimeout(ctx, httpShutdownTimeout)
	})

	spIssuer := httpSrv.BaseURL().String()
	if spIssuer == "" {
		spIssuer = "snow-flow-enterprise"
	}
	samlSvc := saml.NewService(db, spIssuer)

	if _, err := web.NewServer(httpSrv, web.ServerConfig{
		Store:    db,
		Licenses: licenses,
		Sessions: sessions,
		Seats:    seatMgr,
		Vault:    credVault,
		SAML:     samlSvc,
		Tools:    a.Tools,

		TenantLimiter: tenantLimiter,
		IPLimiter:     ipLimiter,

		AdminKey:      a.conf.Secrets.AdminKey,
		LicenseSecret: a.conf.Secrets.LicenseSecret,
		SecureCookies: !a.conf.HTTP.Insecure,
		Clock:         clock,
	}); err != nil {
		return trace.Wrap(err)
	}

	scheduler := a.newScheduler(clock, seatMgr, sessions, credVault)

	httpJob := httpSrv.ServiceJob()
	a.SpawnCriticalJob(httpJob)
	httpOk, err := httpJob.WaitReady(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	schedJob := scheduler.Job()
	a.SpawnCriticalJob(schedJob)
	schedOk, err := schedJob.WaitReady(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	a.mainJob.SetReady(httpOk && schedOk)
	if httpOk && schedOk {
		log.Infof("Serving on %s", a.conf.HTTP.Listen)
	}

	<-httpJob.Done()
	<-schedJob.Done()

	return trace.NewAggregate(httpJob.Err(), schedJob.Err())
}

// newScheduler registers the periodic maintenance tasks.
func (a *App) newScheduler(clock clockwork.Clock, seatMgr *seats.Manager,
	sessions *auth.SessionManager, credVault *vault.Vault) *schedule.Scheduler {
	scheduler := schedule.NewScheduler(clock, 0)

	scheduler.Add(schedule.Task{
		Name:     "connection-reaper",
		Interval: reaperInterval,
		Fn: func(ctx context.Context) error {
			reaped, err := seatMgr.ReapStale(ctx)
			if err != nil {
				return trace.Wrap(err)
			}
			if reaped > 0 {
				logger.Get(ctx).WithField("reaped", reaped).Info("Freed seats of stale connections")
			}
			return nil
		},
	})

	scheduler.Add(schedule.Task{
		Name:     "session-sweep",
		Interval: sessionSweepInterval,
		Fn: func(ctx context.Context) error {
			swept, err := sessions.Sweep(ctx)
			if err != nil {
				return trace.Wrap(err)
			}
			if swept > 0 {
				logger.Get(ctx).WithField("swept", swept).Debug("Deleted expired admin sessions")
			}
			return nil
		},
	})

	if a.Refresher != nil {
		refresher := a.Refresher
		scheduler.Add(schedule.Task{
			Name:     "token-refresh",
			Interval: tokenRefreshInterval,
			Fn: func(ctx context.Context) error {
				refreshed, err := credVault.RefreshExpiring(ctx, vault.DefaultRefreshWindow, refresher, 0)
				if err != nil {
					return trace.Wrap(err)
				}
				if refreshed > 0 {
					logger.Get(ctx).WithField("refreshed", refreshed).Info("Refreshed expiring OAuth credentials")
				}
				return nil
			},
		})
	}

	instanceID := uuid.NewString()
	hostname, _ := os.Hostname()
	startedAt := storage.TimeToMillis(clock.Now())
	scheduler.Add(schedule.Task{
		Name:           "instance-heartbeat",
		Interval:       instanceHeartbeatInterval,
		RunImmediately: true,
		Fn: func(ctx context.Context) error {
			now := clock.Now()
			err := a.db.UpsertInstance(ctx, &storage.Instance{
				InstanceID: instanceID,
				Hostname:   hostname,
				Version:    Version,
				StartedAt:  startedAt,
				LastSeen:   storage.TimeToMillis(now),
			})
			if err != nil {
				return trace.Wrap(err)
			}
			_, err = a.db.DeleteStaleInstances(ctx, storage.TimeToMillis(now.Add(-instanceStaleAfter)))
			return trace.Wrap(err)
		},
	})

	return scheduler
}
