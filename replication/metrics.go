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

package replication

import "github.com/prometheus/client_golang/prometheus"

var (
	messageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "replication",
			Name:      "messages_total",
			Help:      "Counter of replication messages by direction and request type.",
		}, []string{"direction", "type"})

	droppedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "replication",
			Name:      "dropped_total",
			Help:      "Counter of replication messages that were never delivered or applied.",
		}, []string{"reason"})

	pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "replication",
			Name:      "pending_messages",
			Help:      "Number of outbound messages waiting for a consumer.",
		})
)

func init() {
	prometheus.MustRegister(messageCounter)
	prometheus.MustRegister(droppedCounter)
	prometheus.MustRegister(pendingGauge)
}
