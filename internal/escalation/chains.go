package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/d9705996/oncall/internal/db"
	"github.com/d9705996/oncall/internal/model"
	"gorm.io/gorm"
)

var (
	// ErrChainNotFound is returned when the escalation chain does not exist.
	ErrChainNotFound = errors.New("escalation chain not found")
	// ErrPolicyNotFound is returned when the escalation policy does not exist.
	ErrPolicyNotFound = errors.New("escalation policy not found")
	// ErrInvalidPolicy is returned for policies with an unknown step.
	ErrInvalidPolicy = errors.New("invalid escalation policy")
)

// ChainStore edits escalation chains. Policy orders within a chain stay
// dense: 0..n-1 with no gaps.
type ChainStore struct {
	db *gorm.DB
}

// NewChainStore returns a ChainStore.
func NewChainStore(gdb *gorm.DB) *ChainStore { return &ChainStore{db: gdb} }

// CreateChain creates an empty chain.
func (s *ChainStore) CreateChain(ctx context.Context, orgID, name string) (*model.EscalationChain, error) {
	c := &model.EscalationChain{OrganizationID: orgID, Name: name}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("create escalation chain: %w", err)
	}
	return c, nil
}

// Policies returns the chain's policies by order.
func (s *ChainStore) Policies(ctx context.Context, chainID string) ([]model.EscalationPolicy, error) {
	var out []model.EscalationPolicy
	if err := s.db.WithContext(ctx).Where("escalation_chain_id = ?", chainID).Order(`"order"`).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load escalation policies: %w", err)
	}
	return out, nil
}

func validate(p *model.EscalationPolicy) error {
	if p.Step.DisplayName() == "Unknown" {
		return fmt.Errorf("%w: unknown step %d", ErrInvalidPolicy, p.Step)
	}
	if p.WaitDelay != nil && *p.WaitDelay < 0 {
		return fmt.Errorf("%w: negative wait delay", ErrInvalidPolicy)
	}
	return nil
}

func lockChain(tx *db.Tx, chainID string) error {
	var c model.EscalationChain
	err := db.ForUpdate(tx.DB).First(&c, "id = ?", chainID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrChainNotFound
	}
	if err != nil {
		return fmt.Errorf("lock escalation chain: %w", err)
	}
	return nil
}

// AppendPolicy adds p at the end of the chain.
func (s *ChainStore) AppendPolicy(ctx context.Context, chainID string, p *model.EscalationPolicy) error {
	if err := validate(p); err != nil {
		return err
	}
	return db.Transaction(ctx, s.db, func(tx *db.Tx) error {
		if err := lockChain(tx, chainID); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&model.EscalationPolicy{}).Where("escalation_chain_id = ?", chainID).Count(&n).Error; err != nil {
			return fmt.Errorf("count escalation policies: %w", err)
		}
		p.EscalationChainID = chainID
		p.Order = int(n)
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("create escalation policy: %w", err)
		}
		return nil
	})
}

// ReplacePolicies replaces every policy of the chain with ps, ordered as
// given.
func (s *ChainStore) ReplacePolicies(ctx context.Context, chainID string, ps []*model.EscalationPolicy) error {
	for _, p := range ps {
		if err := validate(p); err != nil {
			return err
		}
	}
	return db.Transaction(ctx, s.db, func(tx *db.Tx) error {
		if err := lockChain(tx, chainID); err != nil {
			return err
		}
		if err := tx.Where("escalation_chain_id = ?", chainID).Delete(&model.EscalationPolicy{}).Error; err != nil {
			return fmt.Errorf("delete escalation policies: %w", err)
		}
		for i, p := range ps {
			p.ID = ""
			p.EscalationChainID = chainID
			p.Order = i
			if err := tx.Create(p).Error; err != nil {
				return fmt.Errorf("create escalation policy: %w", err)
			}
		}
		return nil
	})
}

// DeletePolicy removes a policy and closes the gap it leaves.
func (s *ChainStore) DeletePolicy(ctx context.Context, policyID string) error {
	return db.Transaction(ctx, s.db, func(tx *db.Tx) error {
		p, err := s.lockPolicy(tx, policyID)
		if err != nil {
			return err
		}
		if err := tx.Delete(p).Error; err != nil {
			return fmt.Errorf("delete escalation policy: %w", err)
		}
		err = tx.Model(&model.EscalationPolicy{}).
			Where(`escalation_chain_id = ? AND "order" > ?`, p.EscalationChainID, p.Order).
			Update("order", gorm.Expr(`"order" - 1`)).Error
		if err != nil {
			return fmt.Errorf("reorder escalation policies: %w", err)
		}
		return nil
	})
}

// MovePolicy moves a policy to position to, shifting the policies between
// its old and new position. to is clamped to the chain.
func (s *ChainStore) MovePolicy(ctx context.Context, policyID string, to int) error {
	return db.Transaction(ctx, s.db, func(tx *db.Tx) error {
		p, err := s.lockPolicy(tx, policyID)
		if err != nil {
			return err
		}
		var policies []model.EscalationPolicy
		if err := tx.Where("escalation_chain_id = ?", p.EscalationChainID).Order(`"order"`).Find(&policies).Error; err != nil {
			return fmt.Errorf("load escalation policies: %w", err)
		}
		to = max(0, min(to, len(policies)-1))

		ordered := make([]model.EscalationPolicy, 0, len(policies))
		for _, q := range policies {
			if q.ID != p.ID {
				ordered = append(ordered, q)
			}
		}
		ordered = append(ordered[:to], append([]model.EscalationPolicy{*p}, ordered[to:]...)...)
		for i, q := range ordered {
			if q.Order == i {
				continue
			}
			if err := tx.Model(&model.EscalationPolicy{}).Where("id = ?", q.ID).Update("order", i).Error; err != nil {
				return fmt.Errorf("reorder escalation policies: %w", err)
			}
		}
		return nil
	})
}

func (s *ChainStore) lockPolicy(tx *db.Tx, id string) (*model.EscalationPolicy, error) {
	var p model.EscalationPolicy
	err := db.ForUpdate(tx.DB).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock escalation policy: %w", err)
	}
	return &p, nil
}
