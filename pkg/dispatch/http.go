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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPPublisher posts envelopes as JSON to the gateway proxy. The proxy
// forwards each envelope onto the message bus under the envelope's event
// type.
type HTTPPublisher struct {
	client   *http.Client
	proxyURL string
}

// NewHTTPPublisher returns a publisher posting to proxyURL.
func NewHTTPPublisher(proxyURL string) *HTTPPublisher {
	return &HTTPPublisher{
		client:   &http.Client{Timeout: 10 * time.Second},
		proxyURL: proxyURL,
	}
}

// Publish implements Publisher.
func (p *HTTPPublisher) Publish(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encoding envelope")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.proxyURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", env.EventType)

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting to gateway proxy")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("gateway proxy returned %s", resp.Status)
	}
	return nil
}

// Close implements Publisher.
func (p *HTTPPublisher) Close() {
	p.client.CloseIdleConnections()
}
