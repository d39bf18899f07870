package worker

import (
	"context"
	"fmt"
	"log"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Locker guards a named class of work so only one pass runs at a time,
// across every worker instance.
type Locker interface {
	// TryAcquire returns a release func when the lock was taken, or
	// acquired=false when another holder has it.
	TryAcquire(ctx context.Context, name string) (release func(), acquired bool, err error)
}

// EtcdLocker implements Locker with etcd mutexes. The lease behind each
// session expires if a worker dies mid-pass, so a crashed holder cannot
// wedge the class forever.
type EtcdLocker struct {
	client     *clientv3.Client
	sessionTTL int
}

// NewEtcdLocker creates a locker on an etcd client.
func NewEtcdLocker(client *clientv3.Client, sessionTTL int) *EtcdLocker {
	if sessionTTL == 0 {
		sessionTTL = 30
	}
	return &EtcdLocker{client: client, sessionTTL: sessionTTL}
}

// TryAcquire attempts the named mutex without blocking.
func (l *EtcdLocker) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.sessionTTL))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, "/seedbridge/worker/"+name)
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if err == concurrency.ErrLocked {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire %s lock: %w", name, err)
	}

	release := func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			log.Printf("worker: failed to release %s lock: %v", name, err)
		}
		session.Close()
	}
	return release, true, nil
}

// LocalLocker is a single-process Locker for tests and single-instance runs.
type LocalLocker struct {
	held map[string]bool
	mu   chan struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	l := &LocalLocker{held: make(map[string]bool), mu: make(chan struct{}, 1)}
	l.mu <- struct{}{}
	return l
}

// TryAcquire takes the named lock if free.
func (l *LocalLocker) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	<-l.mu
	defer func() { l.mu <- struct{}{} }()

	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true

	release := func() {
		<-l.mu
		l.held[name] = false
		l.mu <- struct{}{}
	}
	return release, true, nil
}
