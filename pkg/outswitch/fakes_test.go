package outswitch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// background goroutines (abandoned commits, connection handlers) may log after a test returns
func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeEnumerator struct {
	devices   []AudioDevice
	defaultID string
	err       error
	lists     int
	lock      sync.Mutex
}

func (e *fakeEnumerator) List() []AudioDevice {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.lists++
	return append([]AudioDevice(nil), e.devices...)
}

func (e *fakeEnumerator) DefaultID() (string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.defaultID, e.err
}

func (e *fakeEnumerator) setDefault(id string) {
	e.lock.Lock()
	e.defaultID = id
	e.lock.Unlock()
}

type fakeBridge struct {
	err       error
	committed []string
	lock      sync.Mutex
}

func (b *fakeBridge) CommitDefault(_ context.Context, endpointID string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.committed = append(b.committed, endpointID)
	return b.err
}

func (b *fakeBridge) commits() []string {
	b.lock.Lock()
	defer b.lock.Unlock()

	return append([]string(nil), b.committed...)
}

type fakeApartment struct {
	owned    bool
	err      error
	depth    int
	acquires int
	releases int
}

func (a *fakeApartment) acquire() (bool, error) {
	a.acquires++
	if a.err != nil {
		return false, a.err
	}

	if a.owned {
		a.depth++
	}

	return a.owned, nil
}

func (a *fakeApartment) release() {
	a.releases++
	a.depth--
}

// slowInstance takes delay to commit and then makes the endpoint default on the enumerator
type slowInstance struct {
	delay      time.Duration
	enumerator *fakeEnumerator
}

func (i *slowInstance) setDefaultEndpoint(endpointID string, _ Role) error {
	time.Sleep(i.delay)
	i.enumerator.setDefault(endpointID)
	return nil
}

func (i *slowInstance) release() {}

type fakeInstance struct {
	err      error
	calls    []string
	roles    []Role
	releases int
}

func (i *fakeInstance) setDefaultEndpoint(endpointID string, role Role) error {
	i.calls = append(i.calls, endpointID)
	i.roles = append(i.roles, role)
	return i.err
}

func (i *fakeInstance) release() {
	i.releases++
}

// fakeRuntime hands out instances per candidate name. a missing entry fails instantiation
type fakeRuntime struct {
	instances map[string]policyInstance
	errs      map[string]error
	attempts  []string
}

func (r *fakeRuntime) instantiate(candidate PolicyCandidate) (policyInstance, error) {
	r.attempts = append(r.attempts, candidate.Name)

	if err, ok := r.errs[candidate.Name]; ok {
		return nil, err
	}

	instance, ok := r.instances[candidate.Name]
	if !ok {
		return nil, nil
	}

	return instance, nil
}

type fakeNotifier struct {
	titles []string
}

func (n *fakeNotifier) Notify(title string, _ string) {
	n.titles = append(n.titles, title)
}
