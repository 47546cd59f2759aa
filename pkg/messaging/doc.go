// Package messaging builds, formats and dispatches lifecycle messages.
//
// A Message is composed from Parameters as metadata, a timestamp and the
// blob, then serialized by a Formatter and handed to a BrokerClient. The
// Dispatcher decides per call whether to send inline, with a bounded retry on
// transient broker failures, or to hand the Parameters to a
// BackgroundProcessor that sends them later.
//
// All components read a Config from a Store. The process-wide store is
// mutated with Setup, Disable and Enable; readers always see a complete
// Config.
package messaging
