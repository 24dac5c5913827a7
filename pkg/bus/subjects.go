package bus

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Subject layout, dot-delimited NATS tokens:
//
//	{ns}.k8s.host.query.{target}.{task}.{corr}    agent request
//	{ns}.k8s.host.respond.{qt}.{task}.{corr}      agent reply
//	{ns}.cli.event.{level}.{session}              progress stream
//	{ns}.cli.event.done.{session}                 stream completion marker
//	{ns}.alert.{kind}                             fire-and-forget broadcast
//	{ns}.task.new.{taskID}                        low-latency task pickup
//	{ns}.dhcp.lease.query                         agent lease request
//	{ns}.dhcp.lease.grant.{requester}             lease answer
const (
	tokenQuery   = "query"
	tokenRespond = "respond"

	// BroadcastTarget addresses every agent of the namespace instead of a
	// single host.
	BroadcastTarget = "all"
)

// subjects builds and parses bus subjects for one namespace.
type subjects struct {
	ns string
}

func (s subjects) query(target, task, corr string) string {
	return fmt.Sprintf("%s.k8s.host.%s.%s.%s.%s", s.ns, tokenQuery, target, task, corr)
}

func (s subjects) respondWildcard() string {
	return fmt.Sprintf("%s.k8s.host.%s.>", s.ns, tokenRespond)
}

func (s subjects) event(level, session string) string {
	return fmt.Sprintf("%s.cli.event.%s.%s", s.ns, level, session)
}

func (s subjects) eventDone(session string) string {
	return fmt.Sprintf("%s.cli.event.done.%s", s.ns, session)
}

func (s subjects) alert(kind string) string {
	return fmt.Sprintf("%s.alert.%s", s.ns, kind)
}

func (s subjects) alertWildcard() string {
	return fmt.Sprintf("%s.alert.>", s.ns)
}

func (s subjects) newTask(taskID string) string {
	return fmt.Sprintf("%s.task.new.%s", s.ns, taskID)
}

func (s subjects) newTaskWildcard() string {
	return fmt.Sprintf("%s.task.new.>", s.ns)
}

func (s subjects) leaseQuery() string {
	return fmt.Sprintf("%s.dhcp.lease.query", s.ns)
}

func (s subjects) leaseGrant(requester string) string {
	return fmt.Sprintf("%s.dhcp.lease.grant.%s", s.ns, requester)
}

// correlationID extracts the correlation token from a respond subject, or
// returns false for anything else.
func (s subjects) correlationID(subject string) (string, bool) {
	prefix := fmt.Sprintf("%s.k8s.host.%s.", s.ns, tokenRespond)
	if !strings.HasPrefix(subject, prefix) {
		return "", false
	}
	rest := strings.Split(strings.TrimPrefix(subject, prefix), ".")
	if len(rest) != 3 { // queryTarget, task, corr
		return "", false
	}
	return rest[2], true
}

func lastToken(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 {
		return subject
	}
	return subject[idx+1:]
}

// Correlation ids are generated from a charset that excludes every
// character with structural meaning in subjects (".", "*", ">").
const corrCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const corrLength = 16

func newCorrelationID() string {
	buf := make([]byte, corrLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("correlation id entropy: %v", err))
	}
	for i, b := range buf {
		buf[i] = corrCharset[int(b)%len(corrCharset)]
	}
	return string(buf)
}
