// Package automessage is the auto-message scheduling engine.
//
// A GroupDefinition is validated into a MessageGroup, which rotates through
// its messages each time its repeating timer fires. The Scheduler owns the
// active set of groups and replaces it wholesale on Rebuild. The Controller
// debounces reload triggers behind a settle delay and is the only component
// that should call Rebuild in a running service.
//
// Lock order is Controller.mu, then Scheduler.mu, then a group's own mutex.
package automessage
