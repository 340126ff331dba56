package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

func main() {
	port := flag.String("port", "8000", "Port to serve proxied traffic on")
	apiPort := flag.String("api-port", "8001", "Port for the control API")
	defaultTarget := flag.String("default-target", "", "Target for requests matching no route, usually the hub")
	authToken := flag.String("auth-token", os.Getenv("HUBBLE_PROXY_AUTH_TOKEN"), "Control API auth token")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	}

	table := newRouteTable(*defaultTarget)
	proxy := &proxyHandler{table: table, logger: logger}
	control := &controlHandler{table: table, token: *authToken, logger: logger}

	go func() {
		logger.WithField("port", *apiPort).Info("control API listening")
		if err := http.ListenAndServe(":"+*apiPort, control); err != nil {
			logger.WithError(err).Fatal("control API failed")
		}
	}()

	logger.WithField("port", *port).Info("proxy listening")
	if err := http.ListenAndServe(":"+*port, proxy); err != nil {
		logger.WithError(err).Fatal("proxy failed")
	}
}

// proxyHandler forwards each request to the longest matching prefix
type proxyHandler struct {
	table  *routeTable
	logger *logrus.Logger
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := h.table.match(r.URL.Path)
	if target == "" {
		http.Error(w, "no route", http.StatusNotFound)
		return
	}

	upstream, err := url.Parse(target)
	if err != nil {
		h.logger.WithError(err).WithField("target", target).Error("bad route target")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"target": target,
	}).Debug("forwarding")

	rp := httputil.NewSingleHostReverseProxy(upstream)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.logger.WithError(err).WithField("target", target).Warn("upstream error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	rp.ServeHTTP(w, r)
}

// controlHandler implements the hub-facing route API:
//
//	GET    /api/routes          full table
//	PUT    /api/routes/<prefix> install route, body {"target": "..."}
//	DELETE /api/routes/<prefix> remove route
type controlHandler struct {
	table  *routeTable
	token  string
	logger *logrus.Logger
}

type routeBody struct {
	Target string `json:"target"`
}

func (h *controlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "token "+h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api/routes") {
		http.NotFound(w, r)
		return
	}
	prefix := normalizePrefix(strings.TrimPrefix(r.URL.Path, "/api/routes"))

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.table.snapshot())

	case http.MethodPut:
		var body routeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Target == "" {
			http.Error(w, "body must be {\"target\": \"url\"}", http.StatusBadRequest)
			return
		}
		h.table.set(prefix, body.Target)
		h.logger.WithFields(logrus.Fields{"prefix": prefix, "target": body.Target}).Info("route installed")
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		if !h.table.delete(prefix) {
			http.NotFound(w, r)
			return
		}
		h.logger.WithField("prefix", prefix).Info("route removed")
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func normalizePrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
