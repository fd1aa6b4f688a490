package meetup

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
	"gopkg.in/yaml.v3"
)

type tagCatalog struct {
	Tags []struct {
		Id   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tags"`
}

// LoadTags reads a tag catalog:
//
//	tags:
//	  - id: hiking
//	    name: Hiking
//
// A missing id is derived from the name.
func LoadTags(r io.Reader) ([]*types.Tag, error) {
	var catalog tagCatalog
	if err := yaml.NewDecoder(r).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode tag catalog: %w", err)
	}

	tags := make([]*types.Tag, 0, len(catalog.Tags))
	seen := make(map[string]struct{})
	for _, t := range catalog.Tags {
		tag := &types.Tag{Id: t.Id, Name: strings.TrimSpace(t.Name)}
		if tag.Id == "" {
			tag.Id = strings.ToLower(strings.Join(strings.Fields(tag.Name), "-"))
		}
		if err := tag.Validate(); err != nil {
			return nil, fmt.Errorf("tag %q: %w", tag.Id, err)
		}
		if _, ok := seen[tag.Id]; ok {
			return nil, fmt.Errorf("duplicate tag %q", tag.Id)
		}
		seen[tag.Id] = struct{}{}
		tags = append(tags, tag)
	}
	return tags, nil
}

// SeedTags writes the catalog into the tags collection, replacing entries
// with the same id.
func (s *Service) SeedTags(ctx context.Context, tags []*types.Tag) error {
	return s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		for _, t := range tags {
			data, err := types.ToData(t)
			if err != nil {
				return fmt.Errorf("tag %s: %w", t.Id, err)
			}
			if err := tx.Set(ctx, types.TagPath(t.Id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) Tags(ctx context.Context) ([]*types.Tag, error) {
	docs, err := s.store.List(ctx, types.TagsCollection, database.Query{OrderBy: "name"})
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	tags := make([]*types.Tag, 0, len(docs))
	for _, doc := range docs {
		t, err := types.Decode[types.Tag](doc)
		if err != nil {
			s.log.Printf("skipping tag: %v", err)
			continue
		}
		tags = append(tags, t)
	}
	return tags, nil
}
