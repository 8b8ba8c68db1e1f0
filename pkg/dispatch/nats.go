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

package dispatch

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NATSPublisher publishes envelopes straight onto the message bus, using the
// envelope's event type as the subject. Used when the provider is deployed
// next to the bus and the gateway proxy is bypassed.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the bus at url.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("k8s-entity-provider"),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(c *nats.Conn) {
			klog.Infof("Reconnected to NATS at %s", c.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				klog.Warningf("NATS connection lost: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encoding envelope")
	}
	if err := p.conn.Publish(env.EventType, body); err != nil {
		return errors.Wrapf(err, "publishing to subject %q", env.EventType)
	}
	return nil
}

// Close implements Publisher.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		klog.Warningf("Error draining NATS connection: %v", err)
	}
}
