package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/record"
)

const ProfileCollection = "profiles"

// Profiles resolves an owner's IANA timezone.
type Profiles struct {
	records record.Store
}

func NewProfiles(records record.Store) *Profiles {
	return &Profiles{records: records}
}

// Timezone returns ErrMissingTimezone when the owner has no profile or an
// empty timezone field.
func (p *Profiles) Timezone(ctx context.Context, ownerID string) (string, error) {
	doc, err := p.records.Get(ctx, ProfileCollection, ownerID)
	if errors.Is(err, errors.ErrNotFound) {
		return "", fmt.Errorf("owner %s has no profile: %w", ownerID, errors.ErrMissingTimezone)
	}
	if err != nil {
		return "", err
	}
	tz := strings.TrimSpace(doc.String("timezone"))
	if tz == "" {
		return "", fmt.Errorf("owner %s: %w", ownerID, errors.ErrMissingTimezone)
	}
	return tz, nil
}

func (p *Profiles) SetTimezone(ctx context.Context, ownerID, tz string) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.InvalidInput("owner id is empty")
	}
	if _, err := time.LoadLocation(tz); err != nil || strings.TrimSpace(tz) == "" {
		return errors.InvalidInput(fmt.Sprintf("timezone %q", tz))
	}
	return p.records.Merge(ctx, ProfileCollection, ownerID, record.Document{"timezone": tz})
}
