// Package review provides the business boundary for InvoiceShield's batch
// review system. It defines the Service (dedup, lifecycle, async dispatch of
// the review pipeline), the Store interface (persistence), the Case model and
// the Prometheus metrics fed by pipeline and agent hooks.
package review
