// Copyright 2024 The k8s-entity-provider Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// k8s-entity-provider watches Kubernetes resources and publishes Backstage
// catalog entities derived from them.
package main

import (
	"context"
	goflag "flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/client/restconfig"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/dispatch"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/provider"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/server"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/version"
)

var configDir string

func main() {
	cmd := &cobra.Command{
		Use:     "entity-provider",
		Short:   "Publish Backstage catalog entities for Kubernetes resources",
		Version: version.VERSION,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return run()
		},
	}
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "Directory holding base.yaml and environment overlays")

	klog.InitFlags(nil)
	cmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)

	if err := cmd.Execute(); err != nil {
		klog.Errorf("entity-provider exiting: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	klog.Infof("Starting %s %s for cluster %q", cfg.Name, version.VERSION, cfg.Cluster)

	restCfg, err := restconfig.New(restconfig.DefaultTimeout)
	if err != nil {
		return err
	}
	// The dynamic client serves the watch sessions; it gets its own config
	// with a timeout long enough to outlive the streams it holds open.
	watchCfg := rest.CopyConfig(restCfg)
	watchCfg.Timeout = restconfig.WatchTimeout
	dynamicClient, err := dynamic.NewForConfig(watchCfg)
	if err != nil {
		return err
	}
	discoveryClient, err := discovery.NewDiscoveryClientForConfig(restCfg)
	if err != nil {
		return err
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(discoveryClient))

	// Best-effort server version probe, surfaced on every translated entity.
	serverVersion := "n/a"
	if info, err := discoveryClient.ServerVersion(); err != nil {
		klog.Warningf("Could not probe Kubernetes server version: %v", err)
	} else {
		serverVersion = info.GitVersion
		klog.Infof("Kubernetes server version %s", serverVersion)
	}
	if cfg.Backstage.Annotations == nil {
		cfg.Backstage.Annotations = make(map[string]string)
	}
	cfg.Backstage.Annotations[v1alpha1.AnnotationServerVersion] = serverVersion

	publisher, err := newPublisher(cfg.Gateway)
	if err != nil {
		return err
	}

	p := provider.New(cfg, dynamicClient, mapper, publisher)
	srv := server.New(cfg.Server, p)

	errCh := make(chan error, 2)
	go func() { errCh <- p.Run(ctx) }()
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		klog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	stop()
	// Let both halves finish their shutdown.
	<-errCh
	return nil
}

// newPublisher picks the gateway transport: direct NATS when configured,
// otherwise the HTTP proxy.
func newPublisher(cfg config.GatewayConfig) (dispatch.Publisher, error) {
	if cfg.NATSURL != "" {
		return dispatch.NewNATSPublisher(cfg.NATSURL)
	}
	return dispatch.NewHTTPPublisher(cfg.ProxyURL), nil
}
