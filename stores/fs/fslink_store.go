package fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	sa "github.com/panyam/socialauth"
)

// FSLinkStore is an AccountLinkStore storing one JSON file per link.
//
// # File Structure
//
//	{StoragePath}/
//	└── links/
//	    └── {blake2b(provider:external_id)}.json # sa.AccountLink
//
// Link files are created exclusively, so of N concurrent CreateLink calls for
// the same identity exactly one succeeds and the others get ErrDuplicateLink.
type FSLinkStore struct {
	StoragePath string
}

var _ sa.AccountLinkStore = (*FSLinkStore)(nil)

func NewFSLinkStore(storagePath string) *FSLinkStore {
	return &FSLinkStore{StoragePath: storagePath}
}

func (s *FSLinkStore) linksDir() string {
	return filepath.Join(s.StoragePath, "links")
}

func (s *FSLinkStore) getLinkPath(provider, externalID string) string {
	return filepath.Join(s.linksDir(), hashedName(sa.LinkKey(provider, externalID)))
}

func (s *FSLinkStore) FindLink(_ context.Context, provider, externalID string) (*sa.AccountLink, error) {
	link, err := readLink(s.getLinkPath(provider, externalID))
	if err != nil {
		return nil, err
	}
	if !link.Is(provider, externalID) {
		return nil, sa.ErrLinkNotFound
	}
	return link, nil
}

func (s *FSLinkStore) CreateLink(_ context.Context, userID, provider, externalID string) (*sa.AccountLink, error) {
	link := &sa.AccountLink{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   provider,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(link, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := createExclusive(s.getLinkPath(provider, externalID), data); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, sa.ErrDuplicateLink
		}
		return nil, err
	}
	return link, nil
}

// GetUserLinks scans all links, fine for the sizes a file store is meant for
func (s *FSLinkStore) GetUserLinks(_ context.Context, userID string) ([]*sa.AccountLink, error) {
	entries, err := os.ReadDir(s.linksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*sa.AccountLink
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		link, err := readLink(filepath.Join(s.linksDir(), entry.Name()))
		if errors.Is(err, sa.ErrLinkNotFound) {
			continue // deleted while scanning
		} else if err != nil {
			return nil, err
		}
		if link.UserID == userID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FSLinkStore) DeleteLink(_ context.Context, provider, externalID string) error {
	if err := os.Remove(s.getLinkPath(provider, externalID)); err != nil {
		if os.IsNotExist(err) {
			return sa.ErrLinkNotFound
		}
		return err
	}
	return nil
}

func readLink(path string) (*sa.AccountLink, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sa.ErrLinkNotFound
		}
		return nil, err
	}
	var link sa.AccountLink
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, err
	}
	return &link, nil
}
