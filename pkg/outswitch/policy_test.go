package outswitch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "{0.0.0.00000000}.{bbb}"

func newTestBridge(runtime policyRuntime, a apartment, timeout time.Duration) *policyBridge {
	settings := StaticPolicy{CommitTimeout: timeout, Role: RoleMultimedia}
	return newPolicyBridge(testLogger(), runtime, a, settings, DefaultPolicyCandidates())
}

func TestCommitFallsBackToSecondCandidate(t *testing.T) {
	instance := &fakeInstance{}
	runtime := &fakeRuntime{
		errs:      map[string]error{"vista-client": errors.New("class not registered")},
		instances: map[string]policyInstance{"client": instance},
	}
	a := &fakeApartment{owned: true}

	err := newTestBridge(runtime, a, time.Second).CommitDefault(context.Background(), testEndpoint)

	require.NoError(t, err)
	assert.Equal(t, []string{"vista-client", "client"}, runtime.attempts)
	assert.Equal(t, []string{testEndpoint}, instance.calls)
	assert.Equal(t, []Role{RoleMultimedia}, instance.roles)
	assert.Equal(t, 1, instance.releases)
	assert.Equal(t, 1, a.releases)
}

func TestCommitUsesFirstCandidateWhenAvailable(t *testing.T) {
	first := &fakeInstance{}
	second := &fakeInstance{}
	runtime := &fakeRuntime{instances: map[string]policyInstance{"vista-client": first, "client": second}}

	err := newTestBridge(runtime, &fakeApartment{owned: true}, time.Second).CommitDefault(context.Background(), testEndpoint)

	require.NoError(t, err)
	assert.Equal(t, []string{"vista-client"}, runtime.attempts)
	assert.Len(t, first.calls, 1)
	assert.Empty(t, second.calls)
}

func TestCommitTreatsNilInstanceAsFailure(t *testing.T) {
	instance := &fakeInstance{}
	runtime := &fakeRuntime{instances: map[string]policyInstance{"client": instance}}

	err := newTestBridge(runtime, &fakeApartment{owned: true}, time.Second).CommitDefault(context.Background(), testEndpoint)

	require.NoError(t, err)
	assert.Equal(t, []string{"vista-client", "client"}, runtime.attempts)
	assert.Len(t, instance.calls, 1)
}

func TestCommitWithoutAnyCandidate(t *testing.T) {
	lastErr := errors.New("no such interface")
	runtime := &fakeRuntime{errs: map[string]error{
		"vista-client": errors.New("class not registered"),
		"client":       lastErr,
	}}
	a := &fakeApartment{owned: true}

	err := newTestBridge(runtime, a, time.Second).CommitDefault(context.Background(), testEndpoint)

	assert.ErrorIs(t, err, ErrPolicyResolution)
	assert.ErrorIs(t, err, lastErr)
	assert.Equal(t, 1, a.releases)
}

func TestCommitWithEmptyCandidateTable(t *testing.T) {
	bridge := newPolicyBridge(testLogger(), &fakeRuntime{}, &fakeApartment{owned: true}, StaticPolicy{CommitTimeout: time.Second}, nil)

	err := bridge.CommitDefault(context.Background(), testEndpoint)

	assert.ErrorIs(t, err, ErrPolicyResolution)
	assert.ErrorIs(t, err, errNoPolicyCandidate)
}

func TestCommitRefusedByInstance(t *testing.T) {
	refused := errors.New("element not found")
	instance := &fakeInstance{err: refused}
	runtime := &fakeRuntime{instances: map[string]policyInstance{"vista-client": instance}}

	err := newTestBridge(runtime, &fakeApartment{owned: true}, time.Second).CommitDefault(context.Background(), testEndpoint)

	assert.ErrorIs(t, err, ErrPolicyCommit)
	assert.ErrorIs(t, err, refused)
	assert.Contains(t, err.Error(), "vista-client")
	assert.Equal(t, 1, instance.releases)
}

func TestCommitRejectsEmptyEndpoint(t *testing.T) {
	runtime := &fakeRuntime{}

	err := newTestBridge(runtime, &fakeApartment{owned: true}, time.Second).CommitDefault(context.Background(), "")

	assert.ErrorIs(t, err, ErrPolicyCommit)
	assert.Empty(t, runtime.attempts)
}

func TestCommitApartmentFailure(t *testing.T) {
	runtime := &fakeRuntime{}

	err := newTestBridge(runtime, &fakeApartment{err: errors.New("rpc failed")}, time.Second).
		CommitDefault(context.Background(), testEndpoint)

	assert.ErrorIs(t, err, ErrResourceInit)
	assert.Empty(t, runtime.attempts)
}

func TestCommitWithTimeoutGivesUp(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	err := commitWithTimeout(context.Background(), testLogger(), 20*time.Millisecond, func() error {
		<-release
		return nil
	}, nil)

	assert.ErrorIs(t, err, ErrPolicyTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommitWithTimeoutHonorsCallerContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := commitWithTimeout(ctx, testLogger(), 0, func() error {
		<-release
		return nil
	}, nil)

	assert.ErrorIs(t, err, ErrPolicyTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommitWithTimeoutPassesResultThrough(t *testing.T) {
	boom := errors.New("boom")

	assert.NoError(t, commitWithTimeout(context.Background(), testLogger(), time.Second, func() error { return nil }, nil))
	assert.ErrorIs(t, commitWithTimeout(context.Background(), testLogger(), 0, func() error { return boom }, nil), boom)
}

func TestCommitWithTimeoutReportsLateOutcome(t *testing.T) {
	release := make(chan struct{})
	late := make(chan error, 1)

	err := commitWithTimeout(context.Background(), testLogger(), 20*time.Millisecond, func() error {
		<-release
		return nil
	}, func(err error) { late <- err })

	assert.ErrorIs(t, err, ErrPolicyTimeout)
	close(release)

	select {
	case err := <-late:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("late outcome was never reported")
	}
}

func TestCommitUsesCandidatesFromSource(t *testing.T) {
	instance := &fakeInstance{}
	runtime := &fakeRuntime{instances: map[string]policyInstance{"custom": instance}}
	settings := StaticPolicy{
		CommitTimeout: time.Second,
		Role:          RoleConsole,
		Candidates:    []PolicyCandidate{{Name: "custom", CLSID: "{a}", IID: "{b}", SetDefaultEndpointSlot: 13}},
	}

	bridge := newPolicyBridge(testLogger(), runtime, &fakeApartment{owned: true}, settings, DefaultPolicyCandidates())

	require.NoError(t, bridge.CommitDefault(context.Background(), testEndpoint))
	assert.Equal(t, []string{"custom"}, runtime.attempts)
	assert.Equal(t, []Role{RoleConsole}, instance.roles)
}

func TestDefaultPolicyCandidatesAreValid(t *testing.T) {
	candidates := DefaultPolicyCandidates()
	require.Len(t, candidates, 2)

	for _, candidate := range candidates {
		assert.NoError(t, candidate.Validate(), candidate.Name)
	}

	assert.Equal(t, "vista-client", candidates[0].Name)
	assert.Equal(t, "client", candidates[1].Name)
}

func TestPolicyCandidateValidate(t *testing.T) {
	tests := []struct {
		name      string
		candidate PolicyCandidate
		wantErr   bool
	}{
		{"complete", PolicyCandidate{Name: "x", CLSID: "{a}", IID: "{b}", SetDefaultEndpointSlot: 12}, false},
		{"missing clsid", PolicyCandidate{Name: "x", IID: "{b}", SetDefaultEndpointSlot: 12}, true},
		{"missing iid", PolicyCandidate{Name: "x", CLSID: "{a}", SetDefaultEndpointSlot: 12}, true},
		{"IUnknown slot", PolicyCandidate{Name: "x", CLSID: "{a}", IID: "{b}", SetDefaultEndpointSlot: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.candidate.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{"", RoleMultimedia, false},
		{"multimedia", RoleMultimedia, false},
		{" Console ", RoleConsole, false},
		{"COMMUNICATIONS", RoleCommunications, false},
		{"speakers", RoleMultimedia, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			role, err := ParseRole(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, role)
		})
	}
}

type codedTestError uintptr

func (e codedTestError) Error() string { return "coded" }
func (e codedTestError) Code() uintptr { return uintptr(e) }

func TestErrorCodeFormatsHRESULT(t *testing.T) {
	assert.Equal(t, "0x80070490", errorCode(codedTestError(0x80070490)))
	assert.Equal(t, "", errorCode(errors.New("plain")))
}
