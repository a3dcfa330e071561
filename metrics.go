// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

import "expvar"

// srvMetrics record server activity counters.
type srvMetrics struct {
	connAccepted expvar.Int // connections accepted
	reqReceived  expvar.Int // requests fully parsed and dispatched
	reqFailed    expvar.Int // requests whose handler reported an error
	rspSent      expvar.Int // non-error responses written
	errSent      expvar.Int // error responses written

	emap *expvar.Map
}

var serverMetrics = newServerMetrics()

func newServerMetrics() *srvMetrics {
	sm := &srvMetrics{emap: new(expvar.Map)}
	sm.emap.Set("connections_accepted", &sm.connAccepted)
	sm.emap.Set("requests_received", &sm.reqReceived)
	sm.emap.Set("requests_failed", &sm.reqFailed)
	sm.emap.Set("responses_sent", &sm.rspSent)
	sm.emap.Set("errors_sent", &sm.errSent)
	return sm
}
