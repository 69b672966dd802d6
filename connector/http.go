/*
 * Copyright 2024 The MedRelay Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package connector

import (
	"context"
	"io"
	"net/http"
	"net/textproto"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/maps"
)

// HTTPReceiverConfig HTTP 接收器配置
type HTTPReceiverConfig struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string
	// Path is the route pattern receiving messages, default "/message".
	Path string
	// Method defaults to POST.
	Method string
	// CertFile and CertKeyFile enable TLS when both are set.
	CertFile    string
	CertKeyFile string
}

var _ types.SourceConnector = (*HTTPReceiver)(nil)

// HTTPReceiver is a source connector that accepts messages over HTTP. The
// request body becomes the raw content, request headers are copied into the
// source map, and the channel's mirrored response content is written back to
// the caller.
type HTTPReceiver struct {
	BaseConnector
	Config     HTTPReceiverConfig
	dispatcher types.Dispatcher
	router     *httprouter.Router
	server     *http.Server
}

func (h *HTTPReceiver) Init(config types.Config, configuration types.Configuration) error {
	if err := h.InitBase(config, configuration); err != nil {
		return err
	}
	if err := maps.Map2Struct(configuration, &h.Config); err != nil {
		return err
	}
	if h.Config.Path == "" {
		h.Config.Path = "/message"
	}
	if h.Config.Method == "" {
		h.Config.Method = http.MethodPost
	}
	h.router = httprouter.New()
	h.router.Handle(h.Config.Method, h.Config.Path, h.handle)
	return nil
}

// BindDispatcher attaches the channel's dispatch entry point.
func (h *HTTPReceiver) BindDispatcher(dispatcher types.Dispatcher) {
	h.dispatcher = dispatcher
}

func (h *HTTPReceiver) Start() error {
	h.server = &http.Server{Addr: h.Config.Addr, Handler: h.router}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if h.Config.CertFile != "" && h.Config.CertKeyFile != "" {
			h.Logger.Printf("http receiver %s listening with TLS on %s", h.Name(), h.Config.Addr)
			err = h.server.ListenAndServeTLS(h.Config.CertFile, h.Config.CertKeyFile)
		} else {
			h.Logger.Printf("http receiver %s listening on %s", h.Name(), h.Config.Addr)
			err = h.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	// surface immediate bind failures to the caller
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (h *HTTPReceiver) Stop() error {
	if h.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.server.Shutdown(ctx)
	h.server = nil
	return err
}

func (h *HTTPReceiver) handle(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	defer func() {
		if e := recover(); e != nil {
			h.Logger.Printf("http receiver %s handler: %v", h.Name(), e)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sourceMap := map[string]interface{}{
		"remoteAddress": r.RemoteAddr,
		"method":        r.Method,
		"uri":           r.RequestURI,
	}
	for name := range r.Header {
		sourceMap[textproto.CanonicalMIMEHeaderKey(name)] = r.Header.Get(name)
	}
	for _, p := range params {
		sourceMap[p.Key] = p.Value
	}

	message, err := h.dispatcher.DispatchRawMessage(r.Context(), body, sourceMap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	source := message.Source()
	if source != nil && source.ErrorCode != types.ErrorCodeNone {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if source != nil {
		if response := source.ContentString(types.ContentTypeResponse); response != "" {
			_, _ = w.Write([]byte(response))
			return
		}
	}
}
