package settings

import (
	"context"
	"fmt"
	"strings"

	apperrors "wagate/internal/errors"
	"wagate/internal/models"
	"wagate/internal/pacing"

	"github.com/sirupsen/logrus"
)

// Store persists one pacing policy per tenant. GetPolicy returns nil, nil
// when the tenant has none.
type Store interface {
	GetPolicy(ctx context.Context, tenantID string) (*models.PacingPolicy, error)
	SavePolicy(ctx context.Context, tenantID string, policy models.PacingPolicy) error
}

// Service hands out policy snapshots and guards risky updates
type Service struct {
	store    Store
	defaults models.PacingPolicy
	logger   *logrus.Logger
}

// NewService creates a settings service. A nil defaults pointer means the
// recommended defaults.
func NewService(store Store, defaults *models.PacingPolicy, logger *logrus.Logger) *Service {
	d := pacing.RecommendedDefaults()
	if defaults != nil {
		d = pacing.Normalize(*defaults)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{store: store, defaults: d, logger: logger}
}

// Defaults returns the system-wide fallback policy
func (s *Service) Defaults() models.PacingPolicy {
	return s.defaults
}

// Policy returns the tenant's stored policy or the system defaults
func (s *Service) Policy(ctx context.Context, tenantID string) (models.PacingPolicy, error) {
	stored, err := s.store.GetPolicy(ctx, tenantID)
	if err != nil {
		return s.defaults, err
	}
	if stored == nil {
		return s.defaults, nil
	}
	return pacing.Normalize(*stored), nil
}

// Update normalizes and stores a policy. Risky values are rejected unless
// acknowledged; the warnings are returned either way.
func (s *Service) Update(ctx context.Context, tenantID string, policy models.PacingPolicy, acknowledged bool) (models.PacingPolicy, []pacing.Warning, error) {
	policy = pacing.Normalize(policy)
	warnings := pacing.Assess(policy)

	if len(warnings) > 0 && !acknowledged {
		return policy, warnings, riskError(warnings)
	}

	policy.RiskAcknowledged = len(warnings) > 0 && acknowledged
	if err := s.store.SavePolicy(ctx, tenantID, policy); err != nil {
		return policy, warnings, err
	}

	entry := s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"warnings":  len(warnings),
	})
	if len(warnings) > 0 {
		entry.Warn("Risky pacing policy saved with acknowledgement")
	} else {
		entry.Info("Pacing policy updated")
	}
	return policy, warnings, nil
}

func riskError(warnings []pacing.Warning) error {
	fields := make([]string, 0, len(warnings))
	for _, w := range warnings {
		fields = append(fields, w.Field)
	}
	return apperrors.New(apperrors.ErrCodeValidationFailed, fmt.Sprintf("policy exceeds safe limits: %s", strings.Join(fields, ", "))).
		WithContext("warnings", warnings).
		WithUserMessage("Policy increases ban risk; resubmit with acknowledgement to apply it")
}
