// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes the replication counters on an injected
// prometheus registerer.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var errRegisterVertexMetrics = errors.New("failed to register vertex metrics")

const rejectReason = "reason"

// Rejection reasons used as label values.
const (
	ReasonInvalidHash         = "invalid_hash"
	ReasonMissingDependencies = "missing_dependencies"
	ReasonInvalidTimestamp    = "invalid_timestamp"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonUnauthorized        = "unauthorized"
)

// Metrics counts the work of one replicated object.
type Metrics struct {
	VerticesAdded     prometheus.Counter
	VerticesRejected  *prometheus.CounterVec
	SignaturesAdded   prometheus.Counter
	FinalizedVertices prometheus.Counter
	Replays           prometheus.Counter
}

// New registers the collectors on reg. A nil registerer yields metrics
// that are counted but never exported.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		VerticesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_vertices_added",
			Help: "Total # of vertices accepted into the hashgraph",
		}),
		VerticesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drp_vertices_rejected",
			Help: "Total # of rejected vertices by reason",
		}, []string{rejectReason}),
		SignaturesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_finality_signatures_added",
			Help: "Total # of BLS attestations aggregated",
		}),
		FinalizedVertices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_finalized_vertices",
			Help: "Total # of vertices that reached finality quorum",
		}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_lca_replays",
			Help: "Total # of state reconstructions by LCA replay",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.VerticesAdded,
		m.VerticesRejected,
		m.SignaturesAdded,
		m.FinalizedVertices,
		m.Replays,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("%w: %w", errRegisterVertexMetrics, err)
		}
	}
	return m, nil
}

// Reject counts one rejected vertex.
func (m *Metrics) Reject(reason string) {
	m.VerticesRejected.With(prometheus.Labels{rejectReason: reason}).Inc()
}
