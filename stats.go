// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

// Rejection reasons passed to StatsCollector.AddRejected.
const (
	RejectUnknownReference = "unknown_reference"
	RejectBadRequest       = "bad_request"
	RejectUnknownStream    = "unknown_stream"
	RejectUnexpectedFrame  = "unexpected_frame"
	RejectFlowControl      = "flow_control"
)

// StatsCollector is notified about traffic and exchange outcomes.
// Implementations must be safe for concurrent use.
type StatsCollector interface {
	AddBytesWritten(n int64)
	AddBytesRead(n int64)
	AddExchanges(delta int)
	AddRejected(reason string)
	AddHandlerFault()
}

type nopStats struct{}

func (nopStats) AddBytesWritten(int64) {}
func (nopStats) AddBytesRead(int64)    {}
func (nopStats) AddExchanges(int)      {}
func (nopStats) AddRejected(string)    {}
func (nopStats) AddHandlerFault()      {}

func statsOrNop(sc StatsCollector) StatsCollector {
	if sc == nil {
		return nopStats{}
	}
	return sc
}
