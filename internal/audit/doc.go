// Package audit records administrative and state changes of the
// connection pool as audit events.
//
// Events are written one per line as JSON or text to stdout, stderr or a
// file, and counted in a Prometheus counter by action and outcome.
// PoolObserver subscribes to pool notifications and turns each auditable
// notification into exactly one event:
//
//	auditLogger, err := audit.NewLogger(audit.FromConfig(cfg.Audit))
//	if err != nil {
//	    return err
//	}
//	unsubscribe := svc.Notifier().Subscribe(audit.NewPoolObserver(auditLogger))
//	defer unsubscribe()
//
// AtomicLogger lets the daemon swap the sink on config reload without
// re-subscribing.
package audit
