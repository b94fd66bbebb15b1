package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

func TestSupervisor(t *testing.T) {
	tests := []struct {
		name         string
		results      []error
		remediateErr error
		wantKind     classify.Kind
		wantCommits  int
		wantRemedies int
	}{
		{name: "success", results: []error{nil}, wantCommits: 1},
		{name: "keyring then success", results: []error{errKeyring, nil}, wantCommits: 2, wantRemedies: 1},
		{name: "keyring twice", results: []error{errKeyring, errKeyring}, wantKind: classify.KindKeyring, wantCommits: 2, wantRemedies: 1},
		{name: "keyring then other", results: []error{errKeyring, errPreparation}, wantKind: classify.KindPreparation, wantCommits: 2, wantRemedies: 1},
		{name: "preparation not retried", results: []error{errPreparation}, wantKind: classify.KindPreparation, wantCommits: 1},
		{name: "not found not retried", results: []error{errors.New("error: target not found: nope")}, wantKind: classify.KindNotFound, wantCommits: 1},
		{name: "security violation not retried", results: []error{classify.ErrUnauthorizedPath}, wantKind: classify.KindUnauthorizedPath, wantCommits: 1},
		{name: "remediation failure surfaces original", results: []error{errKeyring}, remediateErr: errors.New("keyserver down"), wantKind: classify.KindKeyring, wantCommits: 1, wantRemedies: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remedies := 0
			s := NewSupervisor(func(context.Context) error {
				remedies++
				return tt.remediateErr
			}, telemetry.NewMetrics(telemetry.MetricsConfig{}), zerolog.Nop())

			commits := 0
			err := s.Run(context.Background(), func(context.Context) error {
				err := tt.results[commits]
				commits++
				return err
			})

			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			} else if got := classify.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %s, want %s (%v)", got, tt.wantKind, err)
			}
			if commits != tt.wantCommits {
				t.Errorf("commits = %d, want %d", commits, tt.wantCommits)
			}
			if remedies != tt.wantRemedies {
				t.Errorf("remediations = %d, want %d", remedies, tt.wantRemedies)
			}
		})
	}
}

func TestSupervisorBudgetIsPerInvocation(t *testing.T) {
	remedies := 0
	s := NewSupervisor(func(context.Context) error { remedies++; return nil }, nil, zerolog.Nop())

	calls := 0
	flaky := func(context.Context) error {
		calls++
		if calls%2 == 1 {
			return errKeyring
		}
		return nil
	}
	if err := s.Run(context.Background(), flaky); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := s.Run(context.Background(), flaky); !classify.IsKind(err, classify.KindKeyring) {
		t.Fatalf("second run should not heal again, got %v", err)
	}
	if remedies != 1 || !s.Healed() {
		t.Errorf("remediations = %d, want 1", remedies)
	}
}

func TestSurfaceDoesNotMutateSentinel(t *testing.T) {
	ce := surface(classify.ErrDatabaseLocked)
	if ce.Description != classify.LockedMessage {
		t.Errorf("description = %q", ce.Description)
	}
	if classify.ErrDatabaseLocked.Description != "" {
		t.Error("sentinel was modified")
	}
}
