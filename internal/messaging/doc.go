// Package messaging carries signed envelopes between agents. An agent owns
// one mailbox addressed by its wallet address; Outbox.Send delivers to the
// envelope's target mailbox and Inbox.Receive drains the owner's mailbox with
// a pool of workers. Backends: in-process channels, Redis lists and RabbitMQ
// queues.
package messaging
