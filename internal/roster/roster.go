package roster

import (
	"context"

	"ms-subscriptions/internal/models"

	"github.com/uptrace/bun"
)

// Roster answers admin membership questions. Admins are flagged on their
// profile row and every admin participates in every order thread.
type Roster struct {
	Bun *bun.DB
}

func (r *Roster) IsAdmin(userID string) (bool, error) {
	exists, err := r.Bun.NewSelect().
		Model((*models.UserProfile)(nil)).
		Where("id = ?", userID).
		Where("is_admin = ?", true).
		Exists(context.Background())
	if err != nil {
		return false, err
	}
	return exists, nil
}

// AdminIDs returns every flagged admin, used to seed thread participants
// and to fan out admin notifications.
func (r *Roster) AdminIDs() ([]string, error) {
	var ids []string
	err := r.Bun.NewSelect().
		Model((*models.UserProfile)(nil)).
		Column("id").
		Where("is_admin = ?", true).
		Order("id ASC").
		Scan(context.Background(), &ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
