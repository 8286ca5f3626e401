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

package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	storageHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "storage",
			Name:      "handle_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of storage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"op", "partition"})

	storageFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "storage",
			Name:      "failures_total",
			Help:      "Counter of failed storage operations.",
		}, []string{"op", "kind"})
)

func init() {
	prometheus.MustRegister(storageHandleDuration)
	prometheus.MustRegister(storageFailureCounter)
}
