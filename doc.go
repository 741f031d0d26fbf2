// Package anchorwatch and its sub-packages implement the backend services of a Stellar anchor: watching the ledger
// for payments into the anchor accounts and running the asynchronous tasks that move anchor transactions through
// their lifecycle.
/*
anchorwatch provides you with two microservices:

1) a watcher microservice (package watcher) that polls Stellar Horizon for payment operations involving the anchor
 accounts and publishes real-time ledger events for every payment of interest.

2) a worker microservice (package worker) that consumes the ledger events and queued tasks, executes them on a
 bounded pool with retry and dead-letter semantics, fires recurring tasks on persisted schedules and exposes a
 RESTful API over the anchor transaction state.

Architecture

The watcher and worker services communicate via a message broker. The watcher keeps a durable cursor (a Horizon
paging token) per watched account; for every new payment matching the anchor assets it publishes a ledger event to
the broker and only then advances the cursor, so a crash re-delivers rather than loses (at-least-once, consumers
deduplicate by operation id). The worker service turns events into tasks, runs them and records the outcome. The
message broker is implemented as a product agnostic layer (package lib/msg) with AMQP and Redis Streams backends,
configured via a JSON config file at service startup.

Both services share a persistence layer (package lib/store) providing a database product agnostic interface with
MongoDB and PostgreSQL backends. It holds the watcher checkpoints, the anchor transactions, the scheduler marks and
the dead-lettered tasks.

A ledger layer (package lib/ledger) isolates the Stellar Horizon client (package lib/ledger/stellar) so the services
can be tested against fakes. It provides payment paging, account and trustline lookups and transaction submission.

Depending on workload and resources, one or more instances of the worker microservice can be orchestrated; the
scheduler marks are compare-and-set in the store, so competing beat processes fire each schedule exactly once per
interval. The watcher owns the cursors exclusively and runs as a single instance per account set.

The microservices can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Watcher

The watcher microservice (package watcher) can be started running cmd/watcher/main.go. It restores every watched
account's checkpoint from the store, polls Horizon from there and publishes events. Watch requests to add or remove
accounts are consumed from the message broker, so the worker API (or any other client) can change the watched set at
runtime. When the broker is unreachable, events buffer in a bounded in-memory window and flush in order on reconnect.

Worker

The worker microservice (package worker) can be started running cmd/worker/main.go. It runs the task pool, the beat
scheduler and the HTTP API. Tasks that exhaust their retries are stored as dead letters for operator inspection and
are never re-queued automatically.

*/
package anchorwatch
