// Package ca implements a Channel Access client for talking to EPICS
// input/output controllers (IOCs) over TCP.
//
// This package manages:
//   - Circuit connections with version/name handshake and echo keepalive
//   - Channel creation and teardown (CREATE_CHAN / CLEAR_CHANNEL)
//   - Reads and writes (READ_NOTIFY, WRITE, WRITE_NOTIFY)
//   - Value subscriptions (EVENT_ADD / EVENT_CANCEL) with a bounded
//     callback worker pool
//   - Automatic reconnection with exponential backoff, re-creating
//     channels and re-arming subscriptions after an IOC restart
//   - DBR payload encoding/decoding including the DBR_TIME_* forms that
//     carry alarm status and IOC timestamps
//
// Name resolution is directed: each endpoint in the address list is a
// circuit, and channels are located by issuing SEARCH messages over the
// circuits in order. UDP broadcast resolution is intentionally not
// implemented; point the address list at IOCs or a gateway.
//
// Thread Safety:
//   - Client and Pool methods are safe for concurrent use.
//   - Monitor callbacks are invoked from a worker pool; updates are
//     dropped (and counted) if the callback queue overflows.
//
// Usage:
//
//	pool := ca.NewPool(ca.PoolConfig{
//	    AddrList: []string{"10.0.0.5:5064"},
//	})
//	defer pool.Close()
//
//	val, err := pool.Get(ctx, "25idcVME:3820:scaler1.S2", ca.DBRLong)
package ca
