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

// Package web is the HTTP edge of the license server: a thin wrapper around
// net/http plus httprouter, and handlers that translate between the wire and
// the domain packages.
package web

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/snowflow/license-server/lib/job"
	"github.com/snowflow/license-server/lib/logger"
)

// HTTPConfig is the listener configuration.
type HTTPConfig struct {
	Listen     string `toml:"listen"`
	KeyFile    string `toml:"https-key-file"`
	CertFile   string `toml:"https-cert-file"`
	RawBaseURL string `toml:"base-url"`
	CORSOrigin string `toml:"cors-origin"`

	Insecure bool
}

// Check validates listener settings.
func (conf *HTTPConfig) Check() error {
	if _, err := conf.BaseURL(); err != nil {
		return trace.Wrap(err)
	}
	if conf.KeyFile != "" && conf.CertFile == "" {
		return trace.BadParameter("https-cert-file is required when https-key-file is specified")
	}
	if conf.CertFile != "" && conf.KeyFile == "" {
		return trace.BadParameter("https-key-file is required when https-cert-file is specified")
	}
	if !conf.Insecure && conf.CertFile == "" {
		return trace.BadParameter("provide https-cert-file/https-key-file or set insecure")
	}
	return nil
}

// BaseURL parses the externally visible base url of the server. SSO
// callback and metadata urls derive from it.
func (conf *HTTPConfig) BaseURL() (*url.URL, error) {
	if conf.RawBaseURL == "" {
		return &url.URL{}, nil
	}
	u, err := url.Parse(conf.RawBaseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return u, nil
}

// HTTP is a tiny wrapper around standard net/http. It starts either an
// insecure server or a TLS one depending on the settings, and is closed
// when its context is cancelled.
type HTTP struct {
	HTTPConfig
	baseURL *url.URL
	*httprouter.Router
	server http.Server
}

// NewHTTP creates the server around a fresh router.
func NewHTTP(conf HTTPConfig) (*HTTP, error) {
	baseURL, err := conf.BaseURL()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	router := httprouter.New()

	var handler http.Handler = router
	if conf.CORSOrigin != "" {
		handler = corsHandler(conf.CORSOrigin, handler)
	}

	return &HTTP{
		conf,
		baseURL,
		router,
		http.Server{Addr: conf.Listen, Handler: handler},
	}, nil
}

// ListenAndServe runs the server until the context is cancelled.
func (h *HTTP) ListenAndServe(ctx context.Context) error {
	defer logger.Get(ctx).Debug("HTTP server terminated")

	h.server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}
	go func() {
		<-ctx.Done()
		h.server.Close()
	}()

	var err error
	if h.Insecure {
		logger.Get(ctx).Debugf("Starting insecure HTTP server on %s", h.Listen)
		err = h.server.ListenAndServe()
	} else {
		logger.Get(ctx).Debugf("Starting HTTPS server on %s", h.Listen)
		h.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = h.server.ListenAndServeTLS(h.CertFile, h.KeyFile)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return trace.Wrap(err)
}

// ServiceJob wraps the server into a supervised job that reports ready once
// the listener is up.
func (h *HTTP) ServiceJob() job.ServiceJob {
	return job.NewServiceJob(func(ctx context.Context) error {
		job.SetReady(ctx, true)
		defer job.SetReady(ctx, false)
		return trace.Wrap(h.ListenAndServe(ctx))
	})
}

// Shutdown stops the server gracefully.
func (h *HTTP) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// ShutdownWithTimeout stops the server gracefully, bounding the drain.
func (h *HTTP) ShutdownWithTimeout(ctx context.Context, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	return h.Shutdown(ctx)
}

// BaseURL returns the url on which the server is accessible externally.
func (h *HTTP) BaseURL() *url.URL {
	u := *h.baseURL
	return &u
}

// NewURL builds an external url for a specific path.
func (h *HTTP) NewURL(subpath string, values url.Values) *url.URL {
	u := h.BaseURL()
	u.Path = u.Path + subpath
	if values != nil {
		u.RawQuery = values.Encode()
	}
	return u
}

func corsHandler(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", origin)
		rw.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(rw, r)
	})
}
