package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/resourcehealth/internal/log"
)

type Options struct {
	Logger      log.Logger
	Port        int
	Metrics     http.Handler
	MetricsMW   func(http.Handler) http.Handler
	EnablePprof bool

	// AllowPublic disables the private-network guard, for containers
	// whose admin port is only published behind a trusted proxy.
	AllowPublic bool

	// Routes mounts feature routes (health API) on the admin router.
	Routes func(chi.Router)

	// OnPanic runs after a recovered handler panic, e.g. to count it.
	OnPanic func()
}
