package rdma

// Flush requests that buffers already written by prior rendezvous Recv
// completions be made visible to the local device before the caller reads
// them, the data-plane operation GPU-direct receives need to force
// RDMA-write ordering against a GPU's own memory pipeline. A zero-length
// buffers array is always a no-op completion, matching the external
// interface's documented shortcut for callers that have nothing GPU-resident
// to flush.
//
// The software fabric backing this module has no GPU memory and therefore
// no write-ordering hazard for a flush to correct, so the decision of
// whether a flush is *needed* is evaluated faithfully against the
// configured GDRFlushDisable/CUDAFlushEnable switches and the probed
// GPU-direct support state, but the actual corrective action (an RDMA read
// of the just-written buffer back through the same rail) is never issued; a
// hardware fabric adapter plugged in behind the same Rail/Endpoint surface
// would replace the skip branch below with that read.
func (rc *ReceiveComm) Flush(buffers [][]byte) (*Request, error) {
	if err := rc.ep.progress(); err != nil {
		return nil, err
	}
	req, err := rc.reqs.alloc(KindFlush)
	if err != nil {
		return nil, err
	}
	req.ep = rc.ep
	req.totalCompls = 0
	req.State = StateCompleted

	if len(buffers) == 0 {
		req.flush = &flushData{skipped: true}
		return req, nil
	}

	cfg := rc.ep.device.cfg
	needed := rc.gdr == Supported && !cfg.GDRFlushDisable && cfg.CUDAFlushEnable
	req.flush = &flushData{flushBuf: rc.flushBuf, skipped: !needed}
	return req, nil
}
