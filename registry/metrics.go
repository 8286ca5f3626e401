// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registryPortalGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "registry",
			Name:      "portals",
			Help:      "Number of live portals.",
		}, []string{"partition", "type"})

	loadSkippedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "registry",
			Name:      "load_skipped_total",
			Help:      "Counter of stored portals skipped during load.",
		}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(registryPortalGauge)
	prometheus.MustRegister(loadSkippedCounter)
}

func updateRegistryGauge(p *portal.Portal, delta float64) {
	part, typ := "local", "real"
	if p.IsInterServer() {
		part = "inter-server"
	}
	if p.IsVirtual() {
		typ = "virtual"
	}
	registryPortalGauge.WithLabelValues(part, typ).Add(delta)
}
