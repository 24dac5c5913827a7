/*
Package bus turns Helmsman's fire-and-forget NATS transport into
synchronous-looking remote calls with correlation, plus fan-in collection
and a one-way progress stream.

# Correlation

Every outbound request carries a generated correlation id whose charset
excludes the characters with structural meaning in subjects. The id keys a
pending entry in a registry; the inbound dispatch path offers every agent
reply to that registry first:

	Request  ──► {ns}.k8s.host.query.{target}.{task}.{corr}
	Reply    ◄── {ns}.k8s.host.respond.{qt}.{task}.{corr}

A "respond" entry resolves exactly once: the reply path removes the entry
from the registry before delivering into a one-slot channel, and the timeout
path removes it before failing with ErrTimeout. Whichever side wins the
removal owns the resolution; the loser either finds the reply already
buffered or has no observable effect. No entry outlives its call.

A "collect" entry accumulates every tagged reply for a fixed 3-second
window and always succeeds, returning an empty slice when nobody answered.
Used for fleet-wide inventory (free memory, disk) before placement
decisions.

# Fallthrough handlers

Inbound messages unclaimed by the registry fall through to subject-prefix
handlers: new-task notifications ({ns}.task.new.{id}) for low-latency
dispatch, alert broadcasts, and agent DHCP lease queries. A message consumed
by correlation matching is never offered to these handlers.

# Failure semantics

Connection loss flips the Online flag and nothing else; nats.go reconnects
indefinitely (2s wait) and in-flight requests resolve through their normal
timeouts. Replies with a non-200 status surface as *RemoteError carrying the
remote message. The progress stream (LogEvent, CloseEventStream) and alerts
are best-effort: publish failures are logged and dropped.
*/
package bus
