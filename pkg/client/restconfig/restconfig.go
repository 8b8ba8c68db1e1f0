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

// Package restconfig builds the rest.Config used to reach the cluster.
package restconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

// DefaultTimeout is the REST config timeout for short API calls (discovery,
// version probes). The timeout caps the entire request, streamed response
// body included, so clients holding watch streams open must use WatchTimeout
// instead.
const DefaultTimeout = 30 * time.Second

// WatchTimeout is the REST config timeout for clients that keep watch
// streams open.
//
// WatchTimeout should be longer than 2*minWatchTimeout (the upper bound of
// the jittered window watch requests ask for via ListOptions.TimeoutSeconds)
// so streams are closed by the server, not cut mid-watch by the client.
const WatchTimeout = time.Hour

const kubectlConfigPath = ".kube/config"

// A source for creating a rest config
type configSource struct {
	name   string                       // The name for the config
	create func() (*rest.Config, error) // The function for creating the config
}

// List of config sources that will be tried in order for creating a rest.Config
var configSources = []configSource{
	{
		name:   "podServiceAccount",
		create: newLocalClusterConfig,
	},
	{
		name:   "kubectl",
		create: newKubectlConfig,
	},
}

// New attempts to create a rest config from all configured sources and
// returns the first success: the in-cluster service account when running in a
// pod, otherwise the local kubeconfig.
func New(timeout time.Duration) (*rest.Config, error) {
	var errorStrs []string

	for _, source := range configSources {
		config, err := source.create()
		if err == nil {
			klog.V(1).Infof("Created rest config from source %s", source.name)
			// The client-go defaults are too low for the burst of list calls
			// a reconcile pass makes.
			config.QPS = 20
			config.Burst = 40
			config.Timeout = timeout
			return config, nil
		}
		klog.V(5).Infof("Failed to create from %s: %s", source.name, err)
		errorStrs = append(errorStrs, fmt.Sprintf("%s: %s", source.name, err))
	}

	return nil, errors.Errorf("unable to create rest config:\n%s", strings.Join(errorStrs, "\n"))
}

// newLocalClusterConfig returns the in-cluster service account config.
func newLocalClusterConfig() (*rest.Config, error) {
	return rest.InClusterConfig()
}

// newKubectlConfig returns a config built from the local kubeconfig.
func newKubectlConfig() (*rest.Config, error) {
	path, err := KubeConfigPath()
	if err != nil {
		return nil, err
	}
	rules := &clientcmd.ClientConfigLoadingRules{Precedence: filepath.SplitList(path)}
	cfg := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{})
	restCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "building client config")
	}
	return restCfg, nil
}

// KubeConfigPath returns the path to the kubeconfig:
// 1. ${KUBECONFIG}, if non-empty
// 2. ${HOME}/.kube/config
func KubeConfigPath() (string, error) {
	if envPath := os.Getenv("KUBECONFIG"); envPath != "" {
		return envPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "getting user home directory")
	}
	return filepath.Join(home, kubectlConfigPath), nil
}
