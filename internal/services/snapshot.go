package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"iptablesd/internal/database"
	"iptablesd/internal/models"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotService keeps iptables-save dumps in sqlite.
type SnapshotService struct {
	db       *database.DB
	firewall *FirewallService
	logger   *zap.Logger
}

func NewSnapshotService(db *database.DB, firewall *FirewallService, logger *zap.Logger) *SnapshotService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotService{db: db, firewall: firewall, logger: logger}
}

// Create dumps family (limited to table when non-empty) and stores it.
func (s *SnapshotService) Create(ctx context.Context, family models.Family, table, comment string, userID *int64) (*models.Snapshot, error) {
	if family == "" {
		family = models.FamilyIPv4
	}
	ipt, err := s.firewall.For(family)
	if err != nil {
		return nil, err
	}

	data, err := ipt.Save(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to dump rules: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO snapshots (family, table_name, comment, rules, created_by) VALUES (?, ?, ?, ?, ?)",
		string(family), table, comment, string(data), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot ID: %w", err)
	}

	s.logger.Info("snapshot created",
		zap.Int64("id", id),
		zap.String("family", string(family)),
		zap.String("table", table),
	)
	return s.Get(ctx, id)
}

// List returns snapshots newest first, without their rules. An empty family
// lists every family.
func (s *SnapshotService) List(ctx context.Context, family models.Family) ([]models.Snapshot, error) {
	query := "SELECT id, family, table_name, comment, created_by, created_at FROM snapshots"
	var args []interface{}
	if family != "" {
		query += " WHERE family = ?"
		args = append(args, string(family))
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []models.Snapshot{}
	for rows.Next() {
		var snap models.Snapshot
		var createdBy sql.NullInt64
		if err := rows.Scan(&snap.ID, &snap.Family, &snap.Table, &snap.Comment, &createdBy, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if createdBy.Valid {
			snap.CreatedBy = &createdBy.Int64
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

func (s *SnapshotService) Get(ctx context.Context, id int64) (*models.Snapshot, error) {
	var snap models.Snapshot
	var createdBy sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, family, table_name, comment, rules, created_by, created_at FROM snapshots WHERE id = ?", id,
	).Scan(&snap.ID, &snap.Family, &snap.Table, &snap.Comment, &snap.Rules, &createdBy, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if createdBy.Valid {
		snap.CreatedBy = &createdBy.Int64
	}
	return &snap, nil
}

// Restore loads a snapshot back with iptables-restore. Tables present in the
// dump are replaced; other tables are left alone.
func (s *SnapshotService) Restore(ctx context.Context, id int64) (*models.Snapshot, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ipt, err := s.firewall.For(snap.Family)
	if err != nil {
		return nil, err
	}
	if err := ipt.Restore(ctx, []byte(snap.Rules), true); err != nil {
		return nil, fmt.Errorf("failed to restore snapshot %d: %w", id, err)
	}

	s.logger.Info("snapshot restored", zap.Int64("id", id), zap.String("family", string(snap.Family)))
	return snap, nil
}

func (s *SnapshotService) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}
