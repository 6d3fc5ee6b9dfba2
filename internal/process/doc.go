// Package process supervises the firmware gateway backend.
//
// When backend.managed is set the gateway binary is started as a child
// process, probed over TCP until it accepts connections, and restarted with
// exponential backoff when it exits or stops answering probes.
//
//	mgr := process.NewManager(process.FromBackend(cfg.Backend, cfg.Gateway))
//	mgr.SetLogger(log.With("component", "backend"))
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
//	if err := mgr.WaitReady(ctx); err != nil {
//	    return err
//	}
package process
