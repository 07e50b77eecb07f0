package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const diagnosisColumns = `id, model_id, model_version, crop_id, crop_name, image_path,
       server_image_url, disease_id, disease_name, disease_label, description,
       symptoms, treatment, prevention, confidence, created_at, synced, is_rated`

// InsertDiagnosis persists a new diagnosis record. Records are append-only;
// after insertion only the synced and is_rated flags ever change.
func (s *Store) InsertDiagnosis(ctx context.Context, d *Diagnosis) error {
	query := `
		INSERT INTO diagnoses (id, model_id, model_version, crop_id, crop_name,
			image_path, server_image_url, disease_id, disease_name, disease_label,
			description, symptoms, treatment, prevention, confidence, created_at,
			synced, is_rated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.ModelID, d.ModelVersion,
		nullString(d.CropID), nullString(d.CropName),
		d.ImagePath, nullString(d.ServerImageURL),
		nullString(d.DiseaseID), nullString(d.DiseaseName), nullString(d.DiseaseLabel),
		nullString(d.Description), nullString(d.Symptoms), nullString(d.Treatment),
		nullString(d.Prevention), d.Confidence, createdAt, d.Synced, d.IsRated,
	)
	if err != nil {
		return fmt.Errorf("failed to insert diagnosis %s: %w", d.ID, err)
	}
	return nil
}

// GetDiagnosis retrieves a diagnosis by id. Returns nil if not found.
func (s *Store) GetDiagnosis(ctx context.Context, id string) (*Diagnosis, error) {
	query := `SELECT ` + diagnosisColumns + ` FROM diagnoses WHERE id = ?`

	d, err := scanDiagnosis(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnosis: %w", err)
	}
	return d, nil
}

// ListDiagnoses lists diagnoses newest first. A limit of zero or less
// returns all rows.
func (s *Store) ListDiagnoses(ctx context.Context, limit int) ([]*Diagnosis, error) {
	query := `SELECT ` + diagnosisColumns + ` FROM diagnoses ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return s.queryDiagnoses(ctx, query+` LIMIT ?`, limit)
	}
	return s.queryDiagnoses(ctx, query)
}

// ListUnsyncedDiagnoses lists diagnoses not yet acknowledged by the remote
// authority, oldest first so the sync drains in creation order.
func (s *Store) ListUnsyncedDiagnoses(ctx context.Context) ([]*Diagnosis, error) {
	query := `SELECT ` + diagnosisColumns + ` FROM diagnoses WHERE synced = 0 ORDER BY created_at ASC, id ASC`
	return s.queryDiagnoses(ctx, query)
}

func (s *Store) queryDiagnoses(ctx context.Context, query string, args ...any) ([]*Diagnosis, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list diagnoses: %w", err)
	}
	defer rows.Close()

	var out []*Diagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diagnosis: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diagnoses: %w", err)
	}
	return out, nil
}

// MarkDiagnosisRated flips the is_rated flag for the given diagnosis.
func (s *Store) MarkDiagnosisRated(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE diagnoses SET is_rated = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark diagnosis rated: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("diagnosis not found: %s", id)
	}
	return nil
}

// MarkDiagnosesSynced flips the synced flag for the given ids. Used
// exclusively by the sync orchestrator after confirmed remote acceptance.
func (s *Store) MarkDiagnosesSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE diagnoses SET synced = 1 WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, stringArgs(ids)...); err != nil {
		return fmt.Errorf("failed to mark diagnoses synced: %w", err)
	}
	return nil
}

// CountUnsynced reports how many rows across diagnoses, ratings, and usage
// are still awaiting sync. The orchestrator uses this to decide whether a
// connectivity-restored event warrants a pass at all.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	query := `
		SELECT (SELECT COUNT(*) FROM diagnoses WHERE synced = 0)
		     + (SELECT COUNT(*) FROM model_ratings WHERE synced = 0)
		     + (SELECT COUNT(*) FROM daily_usage WHERE synced = 0)
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unsynced rows: %w", err)
	}
	return n, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

func scanDiagnosis(row scanner) (*Diagnosis, error) {
	var d Diagnosis
	var cropID, cropName, serverURL, diseaseID, diseaseName, diseaseLabel sql.NullString
	var description, symptoms, treatment, prevention sql.NullString

	err := row.Scan(
		&d.ID, &d.ModelID, &d.ModelVersion, &cropID, &cropName, &d.ImagePath,
		&serverURL, &diseaseID, &diseaseName, &diseaseLabel, &description,
		&symptoms, &treatment, &prevention, &d.Confidence, &d.CreatedAt,
		&d.Synced, &d.IsRated,
	)
	if err != nil {
		return nil, err
	}

	d.CropID = cropID.String
	d.CropName = cropName.String
	d.ServerImageURL = serverURL.String
	d.DiseaseID = diseaseID.String
	d.DiseaseName = diseaseName.String
	d.DiseaseLabel = diseaseLabel.String
	d.Description = description.String
	d.Symptoms = symptoms.String
	d.Treatment = treatment.String
	d.Prevention = prevention.String
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
