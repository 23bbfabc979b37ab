// Package daemon provides the sync orchestrator that turns triggers into
// reconciler passes for one owner.
//
// # Architecture
//
// The daemon consists of several components:
//
//   - Daemon: owns the trigger loop and the single-pass guard
//   - Tracker: holds the live Progress and fans it out to subscribers
//   - TickerSource: periodic trigger, interval adjustable at runtime
//   - InboxSource: fsnotify watcher that imports dropped record files
//
// # State Machine
//
// Progress moves through
//
//	Idle -> InProgress(0,total) -> InProgress(i,total)* -> Completed(ok,failed)
//	Idle -> Error(msg)
//
// Completed and Error hold until the next pass starts, which first returns
// to Idle. Only a pass that cannot start at all (for example the cache is
// unavailable) ends in Error; per-record failures are counted in Completed.
//
// # Triggers
//
// Passes are requested by a network-available edge, a manual sync, the
// periodic timer, or an inbox import. Requests are queued onto the loop and
// dropped while offline or while a pass is in flight:
//
//	d, err := daemon.NewWithConfig(r, store, "inspector-42", &daemon.Config{
//	    SyncInterval: 5 * time.Minute,
//	    PassTimeout:  10 * time.Minute,
//	    Connectivity: monitor.Events(),
//	    Sources:      []daemon.TriggerSource{inbox},
//	})
//	if err != nil {
//	    return err
//	}
//	go d.Start(ctx)
//	d.Trigger(daemon.ReasonManual)
//
// Passes are not cancelled mid-way. Stop waits for an in-flight pass, bounded
// by PassTimeout.
package daemon
