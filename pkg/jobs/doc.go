// Package jobs provides background job queues for async message dispatch.
//
// SidekiqQueue and ResqueQueue keep jobs in Redis in the wire formats those
// job systems read, so existing workers can consume them. AMQPQueue keeps
// Sidekiq-layout jobs in a RabbitMQ queue and is plugged in as the custom
// background processor.
//
// Worker drains any of them in-process and runs the handler registered for
// each job class; DeliveryHandler rebuilds the message from the job
// parameters and dispatches it synchronously.
package jobs
