package meetup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/storage"
	"github.com/npezzotti/go-meetup/internal/types"
)

type ProfileInput struct {
	Name       string `json:"name"`
	Bio        string `json:"bio"`
	University string `json:"university"`
	Age        int    `json:"age"`
}

func getProfile(ctx context.Context, r database.Reader, userId string) (*types.Profile, error) {
	doc, err := r.Get(ctx, types.ProfilePath(userId))
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userId, err)
	}
	p, err := types.Decode[types.Profile](doc)
	if err != nil {
		return nil, err
	}
	p.UserId = userId
	return p, nil
}

func (s *Service) Profile(ctx context.Context, userId string) (*types.Profile, error) {
	return getProfile(ctx, s.store, userId)
}

// updateProfile applies fn to the user's profile, starting from an empty
// one when none exists yet.
func (s *Service) updateProfile(ctx context.Context, userId string, fn func(p *types.Profile)) (*types.Profile, error) {
	var p *types.Profile
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		p, err = getProfile(ctx, tx, userId)
		if errors.Is(err, database.ErrNotFound) {
			p, err = &types.Profile{UserId: userId}, nil
		}
		if err != nil {
			return err
		}
		fn(p)
		data, err := types.ToData(p)
		if err != nil {
			return err
		}
		return tx.Set(ctx, types.ProfilePath(userId), data)
	})
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return p, nil
}

func (s *Service) UpdateProfile(ctx context.Context, userId string, in ProfileInput) (*types.Profile, error) {
	return s.updateProfile(ctx, userId, func(p *types.Profile) {
		p.Name = in.Name
		p.Bio = in.Bio
		p.University = in.University
		p.Age = in.Age
	})
}

// UploadProfilePicture stores the picture under the user's prefix and
// points the profile at it.
func (s *Service) UploadProfilePicture(ctx context.Context, userId, filename, contentType string, body io.Reader, size int64) (*types.Profile, error) {
	key := types.ProfilePicKey(userId, objectName(filename))
	url, err := s.objects.PutObject(ctx, storage.UploadInput{Key: key, ContentType: contentType, Body: body, Size: size})
	if err != nil {
		return nil, fmt.Errorf("upload profile picture: %w", err)
	}

	p, err := s.updateProfile(ctx, userId, func(p *types.Profile) {
		p.PhotoURL = url
	})
	if err != nil {
		if derr := s.objects.DeleteObject(ctx, key); derr != nil {
			s.log.Printf("remove orphaned picture %s: %v", key, derr)
		}
		return nil, err
	}
	return p, nil
}
