// Package notify reconciles notifications arriving over two paths.
//
// Push delivers new_notification events from the user room; the Poller
// fetches the notification list on an adaptive cadence as a backstop. Both
// feed the Reconciler, whose present-once gate guarantees each notification
// id is presented a single time:
//
//	push ──┐
//	       ├──▶ Reconciler ──▶ OnPresent callbacks
//	poll ──┘        │
//	                └──▶ outcomes (Consume) and mark-read queue (FlushReads)
package notify
