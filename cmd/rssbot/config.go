// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/bot"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/gemini"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/registry"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/taskq"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/watch"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// config holds tunables loaded from config.star.
type config struct {
	WatchInterval     time.Duration `json:"watch_interval"`
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	DeliveryDelay     time.Duration `json:"delivery_delay"`
	EnqueueInterval   time.Duration `json:"enqueue_interval"`
	Workers           int           `json:"workers"`
	Limit             int           `json:"limit"`
	GeminiModel       string        `json:"gemini_model"`
}

func defaultConfig() config {
	return config{
		WatchInterval:     registry.DefaultInterval,
		ReconcileInterval: time.Hour,
		DeliveryDelay:     watch.DefaultDeliveryDelay,
		EnqueueInterval:   watch.DefaultEnqueueInterval,
		Workers:           taskq.DefaultWorkers,
		Limit:             bot.DefaultLimit,
		GeminiModel:       gemini.DefaultModel,
	}
}

// parseConfig executes a Starlark config file and applies the globals it
// defines on top of the defaults. Durations are strings accepted by
// time.ParseDuration. Globals starting with an underscore are ignored.
func parseConfig(filename string, src []byte, logf func(string, ...any)) (config, error) {
	cfg := defaultConfig()

	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{
			TopLevelControl: true,
		},
		&starlark.Thread{
			Print: func(_ *starlark.Thread, msg string) { logf("%s", msg) },
		},
		filename,
		src,
		nil,
	)
	if err != nil {
		return cfg, err
	}

	durations := map[string]*time.Duration{
		"watch_interval":     &cfg.WatchInterval,
		"reconcile_interval": &cfg.ReconcileInterval,
		"delivery_delay":     &cfg.DeliveryDelay,
		"enqueue_interval":   &cfg.EnqueueInterval,
	}
	ints := map[string]*int{
		"workers": &cfg.Workers,
		"limit":   &cfg.Limit,
	}

	var errs []error
	for _, name := range globals.Keys() {
		if strings.HasPrefix(name, "_") {
			continue
		}
		val := globals[name]
		switch {
		case durations[name] != nil:
			s, ok := starlark.AsString(val)
			if !ok {
				errs = append(errs, fmt.Errorf("%s must be a string, got %s", name, val.Type()))
				continue
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if d <= 0 {
				errs = append(errs, fmt.Errorf("%s must be positive", name))
				continue
			}
			*durations[name] = d
		case ints[name] != nil:
			n, err := starlark.AsInt32(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if n <= 0 {
				errs = append(errs, fmt.Errorf("%s must be positive", name))
				continue
			}
			*ints[name] = n
		case name == "gemini_model":
			s, ok := starlark.AsString(val)
			if !ok || s == "" {
				errs = append(errs, errors.New("gemini_model must be a non-empty string"))
				continue
			}
			cfg.GeminiModel = s
		default:
			errs = append(errs, fmt.Errorf("unknown setting %q", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return cfg, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}
