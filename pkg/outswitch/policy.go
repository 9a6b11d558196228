package outswitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bridge commits a new default audio output endpoint
type Bridge interface {
	CommitDefault(ctx context.Context, endpointID string) error
}

// PolicyCandidate describes one known binary layout of the undocumented policy config
// interface: the class to instantiate, the interface to ask it for, and the vtable slot
// holding SetDefaultEndpoint. these layouts are not published and may change between OS builds
type PolicyCandidate struct {
	Name                   string `mapstructure:"name"`
	CLSID                  string `mapstructure:"clsid"`
	IID                    string `mapstructure:"iid"`
	SetDefaultEndpointSlot int    `mapstructure:"slot"`
}

// the first three vtable slots always belong to IUnknown
const minPolicySlot = 3

// Validate checks that the candidate can be used for a raw vtable call
func (c PolicyCandidate) Validate() error {
	if c.CLSID == "" || c.IID == "" {
		return fmt.Errorf("policy candidate %q: clsid and iid are required", c.Name)
	}

	if c.SetDefaultEndpointSlot < minPolicySlot {
		return fmt.Errorf("policy candidate %q: slot %d overlaps IUnknown", c.Name, c.SetDefaultEndpointSlot)
	}

	return nil
}

// DefaultPolicyCandidates returns the built-in candidate table, in the order they're tried
func DefaultPolicyCandidates() []PolicyCandidate {
	return []PolicyCandidate{
		{
			// IPolicyConfigVista: 9 methods after IUnknown precede SetDefaultEndpoint
			Name:                   "vista-client",
			CLSID:                  "{294935CE-F637-4E7C-A41B-AB255460B862}",
			IID:                    "{568B9108-44BF-40B4-9006-86AFE5B5A620}",
			SetDefaultEndpointSlot: 12,
		},
		{
			// IPolicyConfig (7 and later) adds ResetDeviceFormat, pushing SetDefaultEndpoint one slot down
			Name:                   "client",
			CLSID:                  "{870AF99C-171D-4F9E-AF0D-E63DF40C2BC9}",
			IID:                    "{F8679F50-850A-41CF-9C72-430F290290C8}",
			SetDefaultEndpointSlot: 13,
		},
	}
}

// Role scopes which of the OS's defaults is being read or changed
type Role uint32

const (
	RoleConsole Role = iota
	RoleMultimedia
	RoleCommunications
)

// ParseRole maps a config value onto a Role
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "console":
		return RoleConsole, nil
	case "", "multimedia":
		return RoleMultimedia, nil
	case "communications":
		return RoleCommunications, nil
	}

	return RoleMultimedia, fmt.Errorf("unknown audio role: %s", name)
}

func (r Role) String() string {
	switch r {
	case RoleConsole:
		return "console"
	case RoleMultimedia:
		return "multimedia"
	case RoleCommunications:
		return "communications"
	}

	return fmt.Sprintf("role(%d)", uint32(r))
}

// PolicySettings is the part of the config the bridge and enumerator consult on every call
type PolicySettings struct {
	CommitTimeout time.Duration
	Role          Role
	Candidates    []PolicyCandidate
}

// policySource provides the current policy settings. the config implements it, so reloads take effect on the next commit
type policySource interface {
	PolicySettings() PolicySettings
}

// StaticPolicy lets fixed settings stand in wherever a live policy source is expected
type StaticPolicy PolicySettings

// PolicySettings returns the fixed settings
func (p StaticPolicy) PolicySettings() PolicySettings {
	return PolicySettings(p)
}

// policyInstance is a live policy config object obtained from one candidate
type policyInstance interface {
	setDefaultEndpoint(endpointID string, role Role) error
	release()
}

// policyRuntime turns a candidate into a live instance. it's the only place that
// touches the platform's object model, everything else here is plain control flow
type policyRuntime interface {
	instantiate(candidate PolicyCandidate) (policyInstance, error)
}

var (
	errNilPolicyInstance = errors.New("instantiation returned a null instance")
	errNoPolicyCandidate = errors.New("no policy candidates configured")
)

// policyBridge commits defaults through the first policy candidate that instantiates
type policyBridge struct {
	lateCommits

	logger    *zap.SugaredLogger
	runtime   policyRuntime
	apartment apartment
	source    policySource

	// used when the source has no candidates of its own
	fallback []PolicyCandidate
}

func newPolicyBridge(
	logger *zap.SugaredLogger,
	runtime policyRuntime,
	a apartment,
	source policySource,
	fallback []PolicyCandidate,
) *policyBridge {

	b := &policyBridge{
		logger:    logger.Named("policy"),
		runtime:   runtime,
		apartment: a,
		source:    source,
		fallback:  fallback,
	}

	settings := b.settings()
	b.logger.Debugw("Created policy bridge instance",
		"candidates", len(settings.Candidates),
		"role", settings.Role,
		"timeout", settings.CommitTimeout)

	return b
}

// settings snapshots the source once per commit
func (b *policyBridge) settings() PolicySettings {
	settings := b.source.PolicySettings()
	if len(settings.Candidates) == 0 {
		settings.Candidates = b.fallback
	}

	return settings
}

// CommitDefault makes endpointID the default output for the configured role
func (b *policyBridge) CommitDefault(ctx context.Context, endpointID string) error {
	if endpointID == "" {
		return fmt.Errorf("%w: empty endpoint id", ErrPolicyCommit)
	}

	settings := b.settings()

	return commitWithTimeout(ctx, b.logger, settings.CommitTimeout, func() error {
		return withSession(b.apartment, func() error {
			return b.commit(settings, endpointID)
		})
	}, b.settled(endpointID))
}

func (b *policyBridge) commit(settings PolicySettings, endpointID string) error {
	instance, candidate, err := b.resolve(settings.Candidates)
	if err != nil {
		b.logger.Warnw("Failed to resolve policy config interface", "error", err, "code", errorCode(err))
		return err
	}

	defer instance.release()

	if err := instance.setDefaultEndpoint(endpointID, settings.Role); err != nil {
		b.logger.Warnw("Policy config refused new default endpoint",
			"candidate", candidate.Name,
			"endpoint", endpointID,
			"error", err,
			"code", errorCode(err))

		return fmt.Errorf("%w via %s: %w", ErrPolicyCommit, candidate.Name, err)
	}

	b.logger.Debugw("Committed new default endpoint", "candidate", candidate.Name, "endpoint", endpointID, "role", settings.Role)

	return nil
}

// resolve walks the candidate table in order and returns the first live instance
func (b *policyBridge) resolve(candidates []PolicyCandidate) (policyInstance, PolicyCandidate, error) {
	lastErr := errNoPolicyCandidate

	for _, candidate := range candidates {
		instance, err := b.runtime.instantiate(candidate)
		if err == nil && instance == nil {
			err = errNilPolicyInstance
		}

		if err != nil {
			b.logger.Debugw("Policy candidate unavailable, trying next",
				"candidate", candidate.Name,
				"error", err,
				"code", errorCode(err))

			lastErr = err
			continue
		}

		return instance, candidate, nil
	}

	return nil, PolicyCandidate{}, fmt.Errorf("%w: %w", ErrPolicyResolution, lastErr)
}

// lateCommits hands commits that succeeded after their caller stopped waiting to a registered handler
type lateCommits struct {
	handler func(endpointID string)
	lock    sync.Mutex
}

// OnLateCommit registers fn to run whenever an abandoned commit ends up succeeding
func (l *lateCommits) OnLateCommit(fn func(endpointID string)) {
	l.lock.Lock()
	l.handler = fn
	l.lock.Unlock()
}

func (l *lateCommits) settled(endpointID string) func(error) {
	return func(err error) {
		if err != nil {
			return
		}

		l.lock.Lock()
		handler := l.handler
		l.lock.Unlock()

		if handler != nil {
			handler(endpointID)
		}
	}
}

// commitWithTimeout runs fn on its own goroutine and gives up waiting after timeout (if positive).
// fn keeps running in the background when abandoned, and late (if set) gets its outcome
func commitWithTimeout(
	ctx context.Context,
	logger *zap.SugaredLogger,
	timeout time.Duration,
	fn func() error,
	late func(error),
) error {

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Warnw("Gave up waiting for default endpoint commit", "timeout", timeout, "error", ctx.Err())

		go func() {
			err := <-done
			if err != nil {
				logger.Debugw("Abandoned commit finished with error", "error", err)
			} else {
				logger.Info("Abandoned commit finished successfully")
			}

			if late != nil {
				late(err)
			}
		}()

		return fmt.Errorf("%w: %w", ErrPolicyTimeout, ctx.Err())
	}
}
