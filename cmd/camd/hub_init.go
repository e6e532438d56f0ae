package main

import (
	"log/slog"

	"github.com/kstaniek/go-cam360/internal/hub"
	"github.com/kstaniek/go-cam360/internal/session"
)

var hubPolicies = map[string]hub.BackpressurePolicy{
	"drop": hub.PolicyDrop,
	"kick": hub.PolicyKick,
}

// initHub builds the fan-out for relay clients. validate has already
// rejected unknown policies.
func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	h.Policy = hubPolicies[cfg.hubPolicy]
	l.Info("build_info", "version", version, "commit", commit, "date", date, "sdk_version", session.SDKVersion())
	l.Info("hub_config", "policy", cfg.hubPolicy, "buffer", h.OutBufSize)
	return h
}
