package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/kiranshivaraju/gymvision/pkg/vectorsql"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Images ---

const imageColumnsTail = `storage_key, sha256, status, embedding, model_vendor, model_name, model_version,
	is_safe, nsfw_score, has_person, person_count, person_boxes, safety_reasons, byte_size, created_at, updated_at`

// imageColumns returns a select list shared by both image tables. Global rows
// have no gym or uploader so those columns are projected as NULL.
func imageColumns(scope models.ImageScope) string {
	if scope == models.ImageScopeGym {
		return "id, equipment_id, gym_id, uploader_id, " + imageColumnsTail
	}
	return "id, equipment_id, NULL::uuid AS gym_id, NULL::uuid AS uploader_id, " + imageColumnsTail
}

func scanImage(row pgx.Row, scope models.ImageScope) (*models.Image, error) {
	var (
		img                   models.Image
		emb                   *pgvector.Vector
		vendor, name, version *string
	)
	err := row.Scan(&img.ID, &img.EquipmentID, &img.GymID, &img.UploaderID,
		&img.StorageKey, &img.SHA256, &img.Status, &emb, &vendor, &name, &version,
		&img.IsSafe, &img.NSFWScore, &img.HasPerson, &img.PersonCount, &img.PersonBoxes,
		&img.SafetyReasons, &img.ByteSize, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	img.Scope = scope
	if emb != nil {
		img.Embedding = emb.Slice()
	}
	if vendor != nil && name != nil && version != nil {
		img.Model = &models.ModelRef{Vendor: *vendor, Name: *name, Version: *version}
	}
	return &img, nil
}

func (s *PostgresStore) CreateImage(ctx context.Context, img *models.Image) error {
	rel, err := vectorsql.Relation(img.Scope)
	if err != nil {
		return err
	}

	var emb *pgvector.Vector
	var vendor, name, version *string
	if img.HasEmbedding() {
		v := pgvector.NewVector(img.Embedding)
		emb = &v
		vendor, name, version = &img.Model.Vendor, &img.Model.Name, &img.Model.Version
	}

	var query string
	var args []any
	if img.Scope == models.ImageScopeGym {
		if img.GymID == nil {
			return fmt.Errorf("create image: gym image requires gym id")
		}
		query = `INSERT INTO gym_equipment_images (id, equipment_id, gym_id, uploader_id, storage_key, sha256, status,
			embedding, model_vendor, model_name, model_version, byte_size, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
		args = []any{img.ID, img.EquipmentID, *img.GymID, img.UploaderID, img.StorageKey, img.SHA256, img.Status,
			emb, vendor, name, version, img.ByteSize, img.CreatedAt, img.UpdatedAt}
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (id, equipment_id, storage_key, sha256, status,
			embedding, model_vendor, model_name, model_version, is_safe, byte_size, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, rel)
		args = []any{img.ID, img.EquipmentID, img.StorageKey, img.SHA256, img.Status,
			emb, vendor, name, version, img.IsSafe, img.ByteSize, img.CreatedAt, img.UpdatedAt}
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteImage(ctx context.Context, scope models.ImageScope, id uuid.UUID) error {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "delete image", fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, rel), id)
}

func (s *PostgresStore) GetImage(ctx context.Context, scope models.ImageScope, id uuid.UUID) (*models.Image, error) {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, imageColumns(scope), rel)
	img, err := scanImage(s.pool.QueryRow(ctx, query, id), scope)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

func (s *PostgresStore) UpdateImageHash(ctx context.Context, scope models.ImageScope, id uuid.UUID, update HashUpdate) error {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET sha256 = $2, byte_size = $3, storage_key = COALESCE($4, storage_key), updated_at = $5
		WHERE id = $1`, rel)
	return s.execOne(ctx, "update image hash", query, id, update.SHA256, update.ByteSize, update.StorageKey, time.Now().UTC())
}

func (s *PostgresStore) MarkImageSafe(ctx context.Context, scope models.ImageScope, id uuid.UUID, update SafetyUpdate) error {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET is_safe = TRUE, nsfw_score = $2, has_person = $3, person_count = $4,
		person_boxes = $5, safety_reasons = $6, updated_at = $7 WHERE id = $1`, rel)
	return s.execOne(ctx, "mark image safe", query, id, update.NSFWScore, update.HasPerson, update.PersonCount,
		update.PersonBoxes, nonNilStrings(update.Reasons), time.Now().UTC())
}

func (s *PostgresStore) QuarantineImage(ctx context.Context, scope models.ImageScope, id uuid.UUID, update SafetyUpdate) error {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'QUARANTINED', is_safe = FALSE, nsfw_score = $2, has_person = $3,
		person_count = $4, person_boxes = $5, safety_reasons = $6, storage_key = COALESCE($7, storage_key), updated_at = $8
		WHERE id = $1`, rel)
	return s.execOne(ctx, "quarantine image", query, id, update.NSFWScore, update.HasPerson, update.PersonCount,
		update.PersonBoxes, nonNilStrings(update.Reasons), update.StorageKey, time.Now().UTC())
}

func (s *PostgresStore) QuarantineFallback(ctx context.Context, scope models.ImageScope, id uuid.UUID, storageKey string, hasPerson bool) error {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'QUARANTINED', is_safe = FALSE, has_person = $2, storage_key = $3,
		updated_at = $4 WHERE id = $1`, rel)
	return s.execOne(ctx, "quarantine image fallback", query, id, hasPerson, storageKey, time.Now().UTC())
}

func (s *PostgresStore) MarkImageDuplicate(ctx context.Context, scope models.ImageScope, id uuid.UUID, update HashUpdate) error {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET sha256 = $2, byte_size = $3, storage_key = COALESCE($4, storage_key),
		status = 'REJECTED', updated_at = $5 WHERE id = $1`, rel)
	return s.execOne(ctx, "mark image duplicate", query, id, update.SHA256, update.ByteSize, update.StorageKey, time.Now().UTC())
}

func (s *PostgresStore) SetImageStatus(ctx context.Context, scope models.ImageScope, id uuid.UUID, status models.ImageStatus) error {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = $3 WHERE id = $1`, rel)
	return s.execOne(ctx, "set image status", query, id, status, time.Now().UTC())
}

func (s *PostgresStore) SaveEmbedding(ctx context.Context, scope models.ImageScope, id uuid.UUID, vec []float32, model models.ModelRef, opts ...EmbeddingOption) error {
	rel, err := vectorsql.Relation(scope)
	if err != nil {
		return err
	}

	set := []string{"embedding = $2", "model_vendor = $3", "model_name = $4", "model_version = $5", "updated_at = $6"}
	if ApprovesEmbedding(opts...) {
		set = append(set, "status = 'APPROVED'")
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, rel, strings.Join(set, ", "))
	return s.execOne(ctx, "save embedding", query, id, pgvector.NewVector(vec),
		model.Vendor, model.Name, model.Version, time.Now().UTC())
}

func (s *PostgresStore) GymImageBySHA(ctx context.Context, gymID uuid.UUID, sha string, exclude uuid.UUID) (*models.Image, error) {
	query := fmt.Sprintf(`SELECT %s FROM gym_equipment_images WHERE gym_id = $1 AND sha256 = $2 AND id <> $3
		ORDER BY created_at ASC LIMIT 1`, imageColumns(models.ImageScopeGym))
	img, err := scanImage(s.pool.QueryRow(ctx, query, gymID, sha, exclude), models.ImageScopeGym)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gym image by sha: %w", err)
	}
	return img, nil
}

func (s *PostgresStore) CountGlobalImages(ctx context.Context, equipmentID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM equipment_images WHERE equipment_id = $1 AND status = 'APPROVED'`, equipmentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count global images: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GlobalImageBySHA(ctx context.Context, equipmentID uuid.UUID, sha string) (*models.Image, error) {
	query := fmt.Sprintf(`SELECT %s FROM equipment_images WHERE equipment_id = $1 AND sha256 = $2 LIMIT 1`,
		imageColumns(models.ImageScopeGlobal))
	img, err := scanImage(s.pool.QueryRow(ctx, query, equipmentID, sha), models.ImageScopeGlobal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get global image by sha: %w", err)
	}
	return img, nil
}

func (s *PostgresStore) ListGlobalEmbeddings(ctx context.Context, equipmentID uuid.UUID, model models.ModelRef, limit int) ([]EmbeddingRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, embedding FROM equipment_images
		 WHERE equipment_id = $1 AND status = 'APPROVED' AND embedding IS NOT NULL
		   AND model_vendor = $2 AND model_name = $3 AND model_version = $4
		 ORDER BY created_at DESC LIMIT $5`,
		equipmentID, model.Vendor, model.Name, model.Version, limit)
	if err != nil {
		return nil, fmt.Errorf("list global embeddings: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingRow
	for rows.Next() {
		var r EmbeddingRow
		var v pgvector.Vector
		if err := rows.Scan(&r.ID, &v); err != nil {
			return nil, fmt.Errorf("scan global embedding: %w", err)
		}
		r.Vector = v.Slice()
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Gym policy ---

func (s *PostgresStore) CanAutoApprove(ctx context.Context, gymID uuid.UUID, uploaderID *uuid.UUID) (bool, error) {
	if uploaderID == nil {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT g.auto_approve_uploads AND EXISTS (
		   SELECT 1 FROM gym_trusted_uploaders t WHERE t.gym_id = g.id AND t.user_id = $2)
		 FROM gyms g WHERE g.id = $1`, gymID, *uploaderID,
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get gym upload policy: %w", err)
	}
	return ok, nil
}

// --- Suggestions ---

const suggestionColumns = `id, equipment_id, gym_image_id, storage_key, sha256, usefulness_score, reason_codes,
	near_dup_image_id, near_dup_score, status, created_at, updated_at`

func scanSuggestion(row pgx.Row) (*models.GlobalImageSuggestion, error) {
	var g models.GlobalImageSuggestion
	err := row.Scan(&g.ID, &g.EquipmentID, &g.GymImageID, &g.StorageKey, &g.SHA256, &g.UsefulnessScore,
		&g.ReasonCodes, &g.NearDupImageID, &g.NearDupScore, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) UpsertSuggestion(ctx context.Context, sg *models.GlobalImageSuggestion) (*models.GlobalImageSuggestion, error) {
	result, err := scanSuggestion(s.pool.QueryRow(ctx,
		`INSERT INTO global_image_suggestions (`+suggestionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (sha256) DO UPDATE SET
		   usefulness_score = EXCLUDED.usefulness_score,
		   reason_codes = EXCLUDED.reason_codes,
		   near_dup_image_id = EXCLUDED.near_dup_image_id,
		   near_dup_score = EXCLUDED.near_dup_score,
		   storage_key = EXCLUDED.storage_key,
		   updated_at = NOW()
		 RETURNING `+suggestionColumns,
		sg.ID, sg.EquipmentID, sg.GymImageID, sg.StorageKey, sg.SHA256, sg.UsefulnessScore,
		nonNilStrings(sg.ReasonCodes), sg.NearDupImageID, sg.NearDupScore, sg.Status, sg.CreatedAt, sg.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert suggestion: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, id uuid.UUID) (*models.GlobalImageSuggestion, error) {
	g, err := scanSuggestion(s.pool.QueryRow(ctx,
		`SELECT `+suggestionColumns+` FROM global_image_suggestions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suggestion: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) SetSuggestionStatus(ctx context.Context, id uuid.UUID, status models.SuggestionStatus) error {
	return s.execOne(ctx, "set suggestion status",
		`UPDATE global_image_suggestions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
}

// --- Recognition ---

func (s *PostgresStore) CreateAttempt(ctx context.Context, a *models.RecognitionAttempt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recognition_attempts (id, gym_id, storage_key, vector_hash, best_equipment_id, best_score,
		   decision, consent, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.GymID, a.StorageKey, a.VectorHash, a.BestEquipmentID, a.BestScore,
		a.Decision, a.Consent, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create recognition attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id uuid.UUID) (*models.RecognitionAttempt, error) {
	var a models.RecognitionAttempt
	err := s.pool.QueryRow(ctx,
		`SELECT id, gym_id, storage_key, vector_hash, best_equipment_id, best_score, decision, consent, status,
		   confirmed_equipment_id, created_at, updated_at
		 FROM recognition_attempts WHERE id = $1`, id,
	).Scan(&a.ID, &a.GymID, &a.StorageKey, &a.VectorHash, &a.BestEquipmentID, &a.BestScore, &a.Decision,
		&a.Consent, &a.Status, &a.ConfirmedEquipmentID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recognition attempt: %w", err)
	}
	return &a, nil
}

// ResolveAttempt only touches attempts that are still OPEN.
func (s *PostgresStore) ResolveAttempt(ctx context.Context, id uuid.UUID, res AttemptResolution) error {
	return s.execOne(ctx, "resolve recognition attempt",
		`UPDATE recognition_attempts SET status = $2, consent = $3, confirmed_equipment_id = $4, updated_at = $5
		 WHERE id = $1 AND status = 'OPEN'`,
		id, res.Status, res.Consent, res.ConfirmedEquipmentID, time.Now().UTC())
}

func (s *PostgresStore) CreateTrainingCandidate(ctx context.Context, c *models.TrainingCandidate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO training_candidates (id, attempt_id, gym_id, equipment_id, storage_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AttemptID, c.GymID, c.EquipmentID, c.StorageKey, c.Status, c.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create training candidate: %w", err)
	}
	return nil
}

// execOne runs an UPDATE that must match exactly one row.
func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
