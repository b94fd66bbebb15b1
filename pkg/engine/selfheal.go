package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

// Supervisor wraps commit calls of one invocation. A keyring failure gets
// exactly one remediation and one retry; every other failure, and a failed
// retry, is surfaced unchanged. The remediation budget is per invocation, so
// a two-phase upgrade still refreshes keys at most once.
type Supervisor struct {
	remediate func(ctx context.Context) error
	// onHeal runs before remediation, onRetry before the second attempt.
	onHeal  func() error
	onRetry func() error

	metrics *telemetry.Metrics
	logger  zerolog.Logger
	healed  bool
}

// NewSupervisor creates a supervisor that remediates with remediate.
func NewSupervisor(remediate func(ctx context.Context) error, metrics *telemetry.Metrics, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		remediate: remediate,
		metrics:   metrics,
		logger:    logger,
	}
}

// Healed reports whether the remediation budget has been spent.
func (s *Supervisor) Healed() bool {
	return s.healed
}

// Run calls commit, healing once if it fails with a keyring error.
func (s *Supervisor) Run(ctx context.Context, commit func(ctx context.Context) error) error {
	err := commit(ctx)
	if err == nil {
		return nil
	}

	ce := surface(err)
	if ce.Kind != classify.KindKeyring || s.healed {
		return ce
	}
	s.healed = true

	s.logger.Warn().Str("raw", ce.Raw).Msg("Commit failed on signing keys, refreshing keyring and retrying once")
	if s.onHeal != nil {
		if herr := s.onHeal(); herr != nil {
			return ce
		}
	}

	if rerr := s.remediate(ctx); rerr != nil {
		s.logger.Error().Err(rerr).Msg("Keyring refresh failed")
		s.metrics.RecordSelfHeal("failed")
		return ce
	}

	if s.onRetry != nil {
		if herr := s.onRetry(); herr != nil {
			return ce
		}
	}

	if err := commit(ctx); err != nil {
		s.metrics.RecordSelfHeal("failed")
		return surface(err)
	}

	s.metrics.RecordSelfHeal("recovered")
	s.logger.Info().Msg("Commit succeeded after keyring refresh")
	return nil
}

// surface classifies err; lock failures always carry the fixed message
// instead of the library text.
func surface(err error) *classify.ClassifiedError {
	ce := classify.FromError(err)
	if ce.Kind == classify.KindDatabaseLocked && ce.Description != classify.LockedMessage {
		locked := *ce
		locked.Description = classify.LockedMessage
		return &locked
	}
	return ce
}
