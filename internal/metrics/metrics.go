// SPDX-License-Identifier: Unlicense OR MIT

// Package metrics holds the Prometheus collectors shared by the kernel
// simulator and the fork library.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cowfork"

// Metrics holds all collectors. The zero value is not usable; use New.
type Metrics struct {
	// Kernel metrics
	Syscalls    *prometheus.CounterVec
	PageFaults  *prometheus.CounterVec
	FramesInUse prometheus.Gauge
	Envs        prometheus.Gauge

	// Fork library metrics
	Forks       *prometheus.CounterVec
	PagesShared *prometheus.CounterVec
	COWCopies   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Syscalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syscalls_total",
				Help:      "Total number of system calls by name and result",
			},
			[]string{"name", "result"},
		),
		PageFaults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_faults_total",
				Help:      "Total number of user page faults by outcome",
			},
			[]string{"outcome"},
		),
		FramesInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_in_use",
			Help:      "Number of allocated physical frames",
		}),
		Envs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "envs",
			Help:      "Number of live environments",
		}),
		Forks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forks_total",
				Help:      "Total number of fork calls by result",
			},
			[]string{"result"},
		),
		PagesShared: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_shared_total",
				Help:      "Total number of pages shared with a child by mode",
			},
			[]string{"mode"},
		),
		COWCopies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cow_copies_total",
			Help:      "Total number of copy-on-write faults resolved with a private copy",
		}),
	}
}

// NewUnregistered returns collectors bound to a private registry, for
// callers that do not export metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
