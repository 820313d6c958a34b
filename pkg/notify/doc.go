// Package notify delivers staff notifications.
//
// Notifier is the send(to, content) capability used by the billing run when an
// organisation changes status. AMQPNotifier publishes a JSON Message to a durable
// RabbitMQ topic exchange for the messaging service to deliver; LogNotifier only
// logs and is meant for local runs.
package notify
