package users

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-subscriptions/internal/models"

	"github.com/uptrace/bun"
)

var ErrProfileNotFound = errors.New("user profile not found")

// DB stores per-customer profile data: billing email, processor customer
// reference and push tokens.
type DB struct {
	Bun *bun.DB
}

func (d *DB) Get(userID string) (*models.UserProfile, error) {
	var profile models.UserProfile
	err := d.Bun.NewSelect().
		Model(&profile).
		Where("id = ?", userID).
		Limit(1).
		Scan(context.Background())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// Email returns the profile email, or "" when no profile or no email exists.
func (d *DB) Email(userID string) (string, error) {
	profile, err := d.Get(userID)
	if errors.Is(err, ErrProfileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return profile.Email, nil
}

func (d *DB) Upsert(profile *models.UserProfile) error {
	if profile.ID == "" {
		return errors.New("profile id is required")
	}
	now := time.Now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	_, err := d.Bun.NewInsert().
		Model(profile).
		On("CONFLICT (id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(context.Background())
	return err
}

// StripeCustomerID returns the stored processor customer reference, or ""
// when none has been created yet.
func (d *DB) StripeCustomerID(userID string) (string, error) {
	profile, err := d.Get(userID)
	if errors.Is(err, ErrProfileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return profile.StripeCustomerID, nil
}

// SetStripeCustomerID records the processor customer reference, creating the
// profile row when it does not exist yet.
func (d *DB) SetStripeCustomerID(userID, customerID string) error {
	now := time.Now()
	profile := &models.UserProfile{
		ID:               userID,
		StripeCustomerID: customerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := d.Bun.NewInsert().
		Model(profile).
		On("CONFLICT (id) DO UPDATE").
		Set("stripe_customer_id = EXCLUDED.stripe_customer_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(context.Background())
	return err
}

// AddPushToken registers a device token, dropping duplicates.
func (d *DB) AddPushToken(userID, token string) error {
	profile, err := d.Get(userID)
	if errors.Is(err, ErrProfileNotFound) {
		now := time.Now()
		fresh := &models.UserProfile{
			ID:         userID,
			PushTokens: []string{token},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		_, err := d.Bun.NewInsert().Model(fresh).Exec(context.Background())
		return err
	}
	if err != nil {
		return err
	}

	for _, existing := range profile.PushTokens {
		if existing == token {
			return nil
		}
	}
	profile.PushTokens = append(profile.PushTokens, token)
	profile.UpdatedAt = time.Now()

	_, err = d.Bun.NewUpdate().
		Model(profile).
		Column("push_tokens", "updated_at").
		WherePK().
		Exec(context.Background())
	return err
}

func (d *DB) PushTokens(userID string) ([]string, error) {
	profile, err := d.Get(userID)
	if errors.Is(err, ErrProfileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return profile.PushTokens, nil
}
