package outswitch

import (
	"context"
	"fmt"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// paBridge commits a new default sink. PulseAudio exposes this publicly, so the
// policy candidate table has no meaning here and is ignored
type paBridge struct {
	lateCommits

	logger    *zap.SugaredLogger
	apartment apartment
	source    policySource
}

func newBridge(logger *zap.SugaredLogger, source policySource) (*paBridge, error) {
	b := &paBridge{
		logger:    logger.Named("policy"),
		apartment: noopApartment{},
		source:    source,
	}

	b.logger.Debugw("Created PA bridge instance", "timeout", source.PolicySettings().CommitTimeout)

	return b, nil
}

func (b *paBridge) CommitDefault(ctx context.Context, endpointID string) error {
	if endpointID == "" {
		return fmt.Errorf("%w: empty endpoint id", ErrPolicyCommit)
	}

	return commitWithTimeout(ctx, b.logger, b.source.PolicySettings().CommitTimeout, func() error {
		return withSession(b.apartment, func() error {
			return withPulseClient(func(client *proto.Client) error {
				request := proto.SetDefaultSink{SinkName: endpointID}

				if err := client.Request(&request, nil); err != nil {
					b.logger.Warnw("Failed to set default sink", "sink", endpointID, "error", err)
					return fmt.Errorf("%w: set default sink: %w", ErrPolicyCommit, err)
				}

				b.logger.Debugw("Committed new default sink", "sink", endpointID)
				return nil
			})
		})
	}, b.settled(endpointID))
}
