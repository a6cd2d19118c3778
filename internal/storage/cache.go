package storage

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/example/emergency-dispatch/internal/models"
)

// CachedProfiles fronts a ProfileStore with a short-lived read cache for
// users and medical profiles. Misses are not cached so a profile created
// right after a failed lookup is visible immediately.
type CachedProfiles struct {
	ProfileStore
	c *cache.Cache
}

func NewCachedProfiles(next ProfileStore, ttl time.Duration) *CachedProfiles {
	return &CachedProfiles{ProfileStore: next, c: cache.New(ttl, 2*ttl)}
}

func (p *CachedProfiles) GetUser(ctx context.Context, id string) (*models.User, error) {
	key := "user:" + id
	if v, ok := p.c.Get(key); ok {
		u := v.(models.User)
		return &u, nil
	}
	u, err := p.ProfileStore.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	p.c.Set(key, *u, cache.DefaultExpiration)
	return u, nil
}

func (p *CachedProfiles) CreateUser(ctx context.Context, u *models.User) error {
	if err := p.ProfileStore.CreateUser(ctx, u); err != nil {
		return err
	}
	p.c.Delete("user:" + u.ID)
	return nil
}

func (p *CachedProfiles) GetMedicalProfile(ctx context.Context, userID string) (*models.MedicalProfile, error) {
	key := "profile:" + userID
	if v, ok := p.c.Get(key); ok {
		return copyProfile(v.(models.MedicalProfile)), nil
	}
	mp, err := p.ProfileStore.GetMedicalProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.c.Set(key, *copyProfile(*mp), cache.DefaultExpiration)
	return mp, nil
}

func (p *CachedProfiles) UpsertMedicalProfile(ctx context.Context, mp *models.MedicalProfile) error {
	if err := p.ProfileStore.UpsertMedicalProfile(ctx, mp); err != nil {
		return err
	}
	p.c.Delete("profile:" + mp.UserID)
	return nil
}
