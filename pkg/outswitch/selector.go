package outswitch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Selector resolves a match criterion to a single endpoint and commits it as the default output.
// it's the one entry point shared by the tray, the shell, the CLI and the tool server
type Selector struct {
	logger     *zap.SugaredLogger
	enumerator Enumerator
	bridge     Bridge

	changeConsumers []chan AudioDevice
	consumersLock   sync.Mutex
}

// lateCommitReporter is implemented by bridges whose commits may still land after the caller timed out
type lateCommitReporter interface {
	OnLateCommit(fn func(endpointID string))
}

// NewSelector creates a Selector on top of the given enumerator and bridge
func NewSelector(logger *zap.SugaredLogger, enumerator Enumerator, bridge Bridge) *Selector {
	s := &Selector{
		logger:     logger.Named("selector"),
		enumerator: enumerator,
		bridge:     bridge,
	}

	if reporter, ok := bridge.(lateCommitReporter); ok {
		reporter.OnLateCommit(s.onLateCommit)
	}

	s.logger.Debug("Created selector instance")

	return s
}

// List returns a fresh snapshot of all active output devices
func (s *Selector) List() []AudioDevice {
	return s.enumerator.List()
}

// Default returns the ID of the current default output device
func (s *Selector) Default() (string, error) {
	return s.enumerator.DefaultID()
}

// SelectByID makes the device with exactly this ID the default output
func (s *Selector) SelectByID(ctx context.Context, id string) (AudioDevice, error) {
	return s.Select(ctx, ExactID(id))
}

// SelectByName makes the first device whose name or ID contains substring (case-insensitive) the default output
func (s *Selector) SelectByName(ctx context.Context, substring string) (AudioDevice, error) {
	return s.Select(ctx, NameContains(substring))
}

// Select enumerates, picks the first device matching criterion in enumeration order and commits it
func (s *Selector) Select(ctx context.Context, criterion MatchCriterion) (AudioDevice, error) {
	if !criterion.Valid() {
		return AudioDevice{}, fmt.Errorf("%w: empty value", ErrInvalidCriterion)
	}

	devices := s.enumerator.List()

	device, found := criterion.First(devices)
	if !found {
		s.logger.Infow("No audio device matched", "criterion", criterion, "candidates", len(devices))
		return AudioDevice{}, fmt.Errorf("%w: %s", ErrNoMatchFound, criterion)
	}

	if err := s.bridge.CommitDefault(ctx, device.ID); err != nil {
		if !errors.Is(err, ErrPolicyTimeout) || !s.isDefault(device.ID) {
			s.logger.Warnw("Failed to change default audio output", "device", device, "error", err)
			return AudioDevice{}, fmt.Errorf("change default output to %s: %w", device.ID, err)
		}

		s.logger.Infow("Commit timed out but the device already is the default", "device", device)
	}

	s.logger.Infow("Changed default audio output", "device", device, "criterion", criterion)
	s.onDefaultChanged(device)

	return device, nil
}

// SubscribeToChanges returns a channel that receives every device successfully committed as default
func (s *Selector) SubscribeToChanges() chan AudioDevice {
	c := make(chan AudioDevice, 1)

	s.consumersLock.Lock()
	s.changeConsumers = append(s.changeConsumers, c)
	s.consumersLock.Unlock()

	return c
}

func (s *Selector) isDefault(id string) bool {
	defaultID, err := s.enumerator.DefaultID()
	if err != nil {
		s.logger.Debugw("Failed to re-read default output", "error", err)
		return false
	}

	return defaultID == id
}

// onLateCommit runs when a commit the caller gave up on finishes successfully
func (s *Selector) onLateCommit(id string) {
	if !s.isDefault(id) {
		s.logger.Debugw("Late commit finished but the device isn't the default", "id", id)
		return
	}

	device, found := ExactID(id).First(s.enumerator.List())
	if !found {
		device = AudioDevice{ID: id}
	}

	s.logger.Infow("Changed default audio output after timeout", "device", device)
	s.onDefaultChanged(device)
}

func (s *Selector) onDefaultChanged(device AudioDevice) {
	s.consumersLock.Lock()
	defer s.consumersLock.Unlock()

	for _, consumer := range s.changeConsumers {
		select {
		case consumer <- device:
		default:
			// slow consumer, it'll re-query on its next change anyway
		}
	}
}
