/*
Copyright 2022 The Matrix.org Foundation C.I.C.

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
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matrix-org/duet/pkg/call"
	"github.com/matrix-org/duet/pkg/config"
	"github.com/matrix-org/duet/pkg/media"
	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/routing"
	"github.com/matrix-org/duet/pkg/signaling/bus"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/matrix-org/duet/pkg/telemetry"
	"github.com/matrix-org/duet/pkg/ui"
	"github.com/matrix-org/duet/pkg/watcher"
	"github.com/matrix-org/duet/pkg/webrtc_ext"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command line flags.
	configFilePath := flag.String("config", "config.yaml", "configuration file path")
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load the config file from the environment variable or path.
	config, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	logrus.SetLevel(config.Level())
	logger := logrus.WithField("company_id", config.Identity.CompanyID)

	// Stop on interruptions.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Telemetry.Enabled() {
		provider, err := telemetry.SetupTelemetry(ctx, config.Telemetry)
		if err != nil {
			logger.WithError(err).Fatal("could not set up telemetry")
			return
		}

		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.WithError(err).Warn("failed to flush the traces")
			}
		}()
	}

	records, err := store.Open(config.Store)
	if err != nil {
		logger.WithError(err).Fatal("could not open the call store")
		return
	}
	defer records.Close()

	signalingBus, err := bus.Open(ctx, config.Signaling.Bus)
	if err != nil {
		logger.WithError(err).Fatal("could not open the signaling bus")
		return
	}
	defer signalingBus.Close()

	var device media.Device = media.SyntheticDevice{}
	if config.Media.Device == "capture" {
		if device, err = media.NewCaptureDevice(logger); err != nil {
			logger.WithError(err).Fatal("could not open the capture device")
			return
		}
	}

	factory, err := webrtc_ext.NewPeerConnectionFactory(config.WebRTC, device.RegisterCodecs)
	if err != nil {
		logger.WithError(err).Fatal("could not create the peer connection factory")
		return
	}

	// Notifications go both to the connected UIs and to the log.
	hub := ui.NewHub()
	notifier := notify.Multi{hub, notify.LogNotifier{Logger: logger}}

	incoming := watcher.New(
		config.Identity.CompanyID,
		records,
		config.Directory,
		&notify.NotifierRinger{Notifier: notifier},
		notifier,
		config.Watcher,
	)

	router, err := routing.NewRouter(ctx, routing.Config{
		CompanyID:   config.Identity.CompanyID,
		Call:        config.Call,
		Signaling:   config.Signaling,
		Constraints: *config.Media.Constraints,
	}, routing.Dependencies{
		Bus:       signalingBus,
		Store:     records,
		Device:    device,
		Connector: call.FactoryConnector{Factory: factory},
		Watcher:   incoming,
		Notifier:  notifier,
	})
	if err != nil {
		logger.WithError(err).Fatal("could not create the router")
		return
	}

	server := ui.NewServer(config.HTTP, ui.RouterCommands{Router: router}, hub)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return incoming.Run(groupCtx)
	})
	group.Go(func() error {
		hub.Run()
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		hub.Stop()
		return nil
	})
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("stopped")
	}

	// Cancelling the context hung up the call, wait until it is released.
	stop()
	if session := router.Active(); session != nil {
		session.Close()
	}

	logger.Info("bye")
}
