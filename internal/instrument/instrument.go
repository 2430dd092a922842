// Package instrument holds the script injected into every captured page
// before its own scripts run, and the probe evaluated after navigation.
package instrument

import (
	_ "embed"
	"strings"

	"videox/internal/relay"
)

//go:embed instrument.js
var script string

// Script returns the instrumentation source. Bindings named in relay must be
// installed on the page before the script's hooks fire.
func Script() string {
	return script
}

// Bindings lists the page bindings the script calls.
func Bindings() []string {
	return []string{
		relay.BindingEvent,
		relay.BindingFatal,
		relay.BindingLog,
		relay.BindingLogRaw,
		relay.BindingWrite,
	}
}

// Probe is what ProbeExpression evaluates to.
type Probe struct {
	Instrumented bool `json:"instrumented"`
	Video        bool `json:"video"`
	MediaSources int  `json:"mediaSources"`
}

// ProbeExpression reports whether the page is instrumented, has a <video>
// element and how many MediaSources it registered.
var ProbeExpression = strings.TrimSpace(`
(() => {
  const obj = window.__videoxObj
  return {
    instrumented: !!obj,
    video: !!document.querySelector('video'),
    mediaSources: obj ? Object.keys(obj.mediaSources).length : 0,
  }
})()
`)
