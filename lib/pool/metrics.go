/*
 * wahost
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wahost",
		Subsystem: "pool",
		Name:      "sessions",
		Help:      "Live sessions in this process.",
	})
	metricsAttaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "pool",
		Name:      "attaches_total",
		Help:      "Session attaches by recovery flag.",
	}, []string{"recovery"})
	metricsDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "pool",
		Name:      "disconnects_total",
		Help:      "Protocol socket closes by close code.",
	}, []string{"code"})
	metricsReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "pool",
		Name:      "reconnect_attempts_total",
		Help:      "Backoff reconnect attempts.",
	})
	metricsReconnectResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "pool",
		Name:      "reconnect_results_total",
		Help:      "API reconnect outcomes.",
	}, []string{"result"})
	metricsMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "pool",
		Name:      "messages_sent_total",
		Help:      "Messages sent through the API.",
	})
	metricsSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "pool",
		Name:      "send_failures_total",
		Help:      "Failed API sends.",
	})
	metricsMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wahost",
		Subsystem: "pool",
		Name:      "messages_received_total",
		Help:      "Realtime inbound messages routed to the event bus.",
	})
)
