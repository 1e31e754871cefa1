package users

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/suPer8Hu/medchat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("user not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetByPractitionerID(ctx context.Context, practitionerID string) (*models.User, error) {
	var u models.User
	err := r.db.WithContext(ctx).
		Where("practitioner_id = ?", practitionerID).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Upsert creates the user on first sign-in and keeps the display name current
// on later ones.
func (r *Repo) Upsert(ctx context.Context, practitionerID, name string) (*models.User, error) {
	practitionerID = strings.TrimSpace(practitionerID)
	if practitionerID == "" {
		return nil, errors.New("practitioner id is required")
	}

	existing, err := r.GetByPractitionerID(ctx, practitionerID)
	switch {
	case err == nil:
		if name == "" || existing.Name == name {
			return existing, nil
		}
		if err := r.db.WithContext(ctx).Model(existing).Update("name", name).Error; err != nil {
			return nil, err
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	u := &models.User{
		ID:             uuid.NewString(),
		PractitionerID: practitionerID,
		Name:           name,
	}
	// two first sign-ins racing on the same practitioner both end up with the winner's row
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "practitioner_id"}}, DoNothing: true}).
		Create(u).Error; err != nil {
		return nil, err
	}
	return r.GetByPractitionerID(ctx, practitionerID)
}
