package location

import (
	"context"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/audit"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/db"

	"github.com/google/uuid"
)

const locationColumns = `id, owner_id, name, lat, lng, radius_m, color, status, deleted_at, last_seen_at, updated_at, synced_at`

type Service struct {
	db    db.Querier
	trail *audit.Recorder
}

func NewService(q db.Querier, trail *audit.Recorder) *Service {
	return &Service{db: q, trail: trail}
}

func (s *Service) Create(ctx context.Context, ownerID string, input CreateLocation) (Location, error) {
	loc := Location{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    input.Name,
		Lat:     input.Lat,
		Lng:     input.Lng,
		RadiusM: input.RadiusM,
		Color:   input.Color,
		Status:  StatusActive,
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO locations (id, owner_id, name, lat, lng, radius_m, color, status, updated_at, synced_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),NULL)
		RETURNING updated_at
	`, loc.ID, loc.OwnerID, loc.Name, loc.Lat, loc.Lng, loc.RadiusM, loc.Color, string(loc.Status))
	if err := row.Scan(&loc.UpdatedAt); err != nil {
		return Location{}, apperror.Wrap(apperror.KindDatabase, "create location", err)
	}

	s.trail.SyncAction(ctx, "location", loc.ID, audit.ActionCreate, nil, loc, audit.StatusPending, "")
	return loc, nil
}

func (s *Service) Update(ctx context.Context, ownerID, id string, patch CreateLocation) (Location, error) {
	loc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return Location{}, err
	}
	before := loc

	if patch.Name != "" {
		loc.Name = patch.Name
	}
	if patch.Lat != 0 {
		loc.Lat = patch.Lat
	}
	if patch.Lng != 0 {
		loc.Lng = patch.Lng
	}
	if patch.RadiusM != 0 {
		loc.RadiusM = patch.RadiusM
	}
	if patch.Color != "" {
		loc.Color = patch.Color
	}

	row := s.db.QueryRow(ctx, `
		UPDATE locations
		SET name=$3, lat=$4, lng=$5, radius_m=$6, color=$7, updated_at=now(), synced_at=NULL
		WHERE id=$1 AND owner_id=$2
		RETURNING updated_at
	`, loc.ID, ownerID, loc.Name, loc.Lat, loc.Lng, loc.RadiusM, loc.Color)
	if err := row.Scan(&loc.UpdatedAt); err != nil {
		return Location{}, apperror.Wrap(apperror.KindDatabase, "update location", err)
	}
	loc.SyncedAt = nil

	s.trail.SyncAction(ctx, "location", loc.ID, audit.ActionUpdate, before, loc, audit.StatusPending, "")
	return loc, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (Location, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+locationColumns+`
		FROM locations WHERE id=$1 AND owner_id=$2
	`, id, ownerID)
	return scanLocation(row)
}

// List returns the owner's fences, newest first. Deleted rows are excluded
// unless includeDeleted is set.
func (s *Service) List(ctx context.Context, ownerID string, includeDeleted bool) ([]Location, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations WHERE owner_id=$1`
	if !includeDeleted {
		query += ` AND status <> 'deleted' AND status <> 'pending_delete'`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindDatabase, "list locations", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}

// SoftDelete flips the status instead of removing the row, so the deletion
// itself can be synchronized.
func (s *Service) SoftDelete(ctx context.Context, ownerID, id string) error {
	before, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		UPDATE locations
		SET status='deleted', deleted_at=now(), updated_at=now(), synced_at=NULL
		WHERE id=$1 AND owner_id=$2
	`, id, ownerID)
	if err != nil {
		return apperror.Wrap(apperror.KindDatabase, "delete location", err)
	}

	after := before
	after.Status = StatusDeleted
	s.trail.SyncAction(ctx, "location", id, audit.ActionDelete, before, after, audit.StatusPending, "")
	return nil
}

// TouchLastSeen records that the device was observed inside this fence.
func (s *Service) TouchLastSeen(ctx context.Context, ownerID, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE locations SET last_seen_at=$3
		WHERE id=$1 AND owner_id=$2
	`, id, ownerID, at)
	if err != nil {
		return apperror.Wrap(apperror.KindDatabase, "touch location", err)
	}
	return nil
}

func scanLocation(row interface{ Scan(dest ...any) error }) (Location, error) {
	var loc Location
	var status string
	if err := row.Scan(&loc.ID, &loc.OwnerID, &loc.Name, &loc.Lat, &loc.Lng, &loc.RadiusM,
		&loc.Color, &status, &loc.DeletedAt, &loc.LastSeenAt, &loc.UpdatedAt, &loc.SyncedAt); err != nil {
		return Location{}, apperror.Wrap(apperror.KindDatabase, "scan location", err)
	}
	loc.Status = Status(status)
	return loc, nil
}
