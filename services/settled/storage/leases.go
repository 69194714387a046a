package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlehub/services/settled/models"
)

// AcquireLease claims the named lease for owner until ttl elapses. It returns
// false when another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease models.JobLease
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&lease, "name = ?", name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			lease = models.JobLease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
			if err := tx.Create(&lease).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		case err != nil:
			return err
		}
		if lease.Owner != owner && lease.ExpiresAt.After(now) {
			return nil
		}
		lease.Owner = owner
		lease.ExpiresAt = now.Add(ttl)
		if err := tx.Save(&lease).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if IsDuplicateKey(err) {
		return false, nil
	}
	return acquired, translate(err)
}

// ReleaseLease drops the named lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	err := s.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&models.JobLease{}).Error
	return translate(err)
}
