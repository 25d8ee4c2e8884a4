package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/elternzeit/happenings-cli/internal/model"
)

// SQLiteStore implements Store on a local file (or :memory:) database.
// It is the dev and test backend; live convergence is postgres-only, so
// HasConvergeProcedure always reports false here.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and tunes) a sqlite database at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// modernc.org/sqlite is not safe for concurrent writers on one
	// connection pool without serialization.
	database.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := database.ExecContext(ctx, p); err != nil {
			database.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", p)
		}
	}
	return &SQLiteStore{db: database}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_happenings (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id        TEXT NOT NULL,
	source_tier      TEXT NOT NULL DEFAULT 'C',
	external_id      TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	raw_datetime     TEXT NOT NULL DEFAULT '',
	location         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	start_date_local TEXT NOT NULL DEFAULT '',
	end_date_local   TEXT NOT NULL DEFAULT '',
	start_at         TEXT,
	end_at           TEXT,
	timezone         TEXT NOT NULL DEFAULT '',
	date_precision   TEXT NOT NULL DEFAULT '',
	item_url         TEXT NOT NULL DEFAULT '',
	image_url        TEXT NOT NULL DEFAULT '',
	dedupe_key       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	status_reason    TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at       TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (source_id, dedupe_key)
);

CREATE TABLE IF NOT EXISTS happenings (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	title                TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	happening_kind       TEXT NOT NULL DEFAULT 'event',
	canonical_dedupe_key TEXT NOT NULL,
	visibility_status    TEXT NOT NULL DEFAULT 'draft',
	primary_venue_id     INTEGER,
	is_online            INTEGER NOT NULL DEFAULT 0,
	editorial_priority   INTEGER NOT NULL DEFAULT 0,
	visibility_override  TEXT,
	override_reason      TEXT,
	override_set_by      TEXT,
	override_set_at      TEXT,
	override_expires_at  TEXT,
	created_at           TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at           TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS offerings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	happening_id  INTEGER NOT NULL REFERENCES happenings(id),
	offering_type TEXT NOT NULL DEFAULT 'one_off',
	timezone      TEXT NOT NULL DEFAULT '',
	start_date    TEXT NOT NULL DEFAULT '',
	end_date      TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at    TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (happening_id, offering_type, timezone, start_date, end_date)
);

CREATE TABLE IF NOT EXISTS occurrences (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	offering_id INTEGER NOT NULL REFERENCES offerings(id),
	start_at    TEXT NOT NULL,
	end_at      TEXT,
	venue_name  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'scheduled',
	created_at  TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (offering_id, start_at)
);

CREATE TABLE IF NOT EXISTS happening_sources (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	happening_id        INTEGER NOT NULL REFERENCES happenings(id),
	source_happening_id INTEGER NOT NULL UNIQUE REFERENCES source_happenings(id),
	source_id           TEXT NOT NULL,
	source_priority     INTEGER NOT NULL DEFAULT 100,
	is_primary          INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS canonical_field_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	happening_id INTEGER NOT NULL REFERENCES happenings(id),
	field        TEXT NOT NULL,
	old_value    TEXT NOT NULL DEFAULT '',
	new_value    TEXT NOT NULL DEFAULT '',
	change_key   TEXT NOT NULL UNIQUE,
	created_at   TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS canonicalization_reviews (
	id                  TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL DEFAULT '',
	source_happening_id INTEGER NOT NULL,
	review_type         TEXT NOT NULL,
	candidates          TEXT,
	threshold           REAL NOT NULL DEFAULT 0,
	fingerprint         TEXT NOT NULL DEFAULT '',
	detail              TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'open',
	created_at          TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS merge_run_stats (
	run_id       TEXT PRIMARY KEY,
	dry_run      INTEGER NOT NULL DEFAULT 0,
	claimed      INTEGER NOT NULL DEFAULT 0,
	merged       INTEGER NOT NULL DEFAULT 0,
	created      INTEGER NOT NULL DEFAULT 0,
	reviewed     INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	fast_path    INTEGER NOT NULL DEFAULT 0,
	histogram    TEXT,
	per_source   TEXT,
	claim_millis INTEGER NOT NULL DEFAULT 0,
	match_millis INTEGER NOT NULL DEFAULT 0,
	write_millis INTEGER NOT NULL DEFAULT 0,
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_source_happenings_status ON source_happenings(status);
CREATE INDEX IF NOT EXISTS idx_happenings_canonical_key ON happenings(canonical_dedupe_key);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reviews_open_one
	ON canonicalization_reviews(source_happening_id, review_type) WHERE status = 'open';
`

// Migrate creates the schema. The convergence procedure is a postgres
// artifact and has no sqlite counterpart.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate schema")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Time columns are TEXT in sqlite; RFC 3339 keeps them sortable and
// round-trippable.
func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s.String); err == nil {
			return &t, nil
		}
	}
	return nil, eris.Errorf("sqlite: unparseable timestamp %q", s.String)
}

func mustDecodeTime(s sql.NullString) (time.Time, error) {
	t, err := decodeTime(s)
	if err != nil {
		return time.Time{}, err
	}
	if t == nil {
		return time.Time{}, eris.New("sqlite: unexpected null timestamp")
	}
	return *t, nil
}

func (s *SQLiteStore) UpsertSourceHappening(ctx context.Context, sh *model.SourceHappening) (bool, error) {
	var existingID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM source_happenings WHERE source_id = ? AND dedupe_key = ?`,
		sh.SourceID, sh.DedupeKey).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO source_happenings (
				source_id, source_tier, external_id, title, raw_datetime, location,
				description, start_date_local, end_date_local, start_at, end_at,
				timezone, date_precision, item_url, image_url, dedupe_key, status
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			sh.SourceID, sh.SourceTier, sh.ExternalID, sh.Title, sh.RawDatetime,
			sh.Location, sh.Description, sh.StartDateLocal, sh.EndDateLocal,
			encodeTime(sh.StartAt), encodeTime(sh.EndAt), sh.Timezone,
			sh.DatePrecision, sh.ItemURL, sh.ImageURL, sh.DedupeKey,
			string(model.SourceQueued))
		if err != nil {
			return false, eris.Wrap(err, "sqlite: insert source happening")
		}
		sh.ID, err = res.LastInsertId()
		if err != nil {
			return false, eris.Wrap(err, "sqlite: source happening id")
		}
		return true, nil
	case err != nil:
		return false, eris.Wrap(err, "sqlite: lookup source happening")
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE source_happenings SET
			source_tier = ?, external_id = ?, title = ?, raw_datetime = ?,
			location = ?, description = ?, start_date_local = ?, end_date_local = ?,
			start_at = ?, end_at = ?, timezone = ?, date_precision = ?,
			item_url = ?, image_url = ?, updated_at = datetime('now')
		WHERE id = ?`,
		sh.SourceTier, sh.ExternalID, sh.Title, sh.RawDatetime, sh.Location,
		sh.Description, sh.StartDateLocal, sh.EndDateLocal, encodeTime(sh.StartAt),
		encodeTime(sh.EndAt), sh.Timezone, sh.DatePrecision, sh.ItemURL,
		sh.ImageURL, existingID)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: refresh source happening")
	}
	sh.ID = existingID
	return false, nil
}

func scanSourceRow(scan func(...any) error) (*model.SourceHappening, error) {
	var sh model.SourceHappening
	var startAt, endAt, createdAt, updatedAt sql.NullString
	err := scan(&sh.ID, &sh.SourceID, &sh.SourceTier, &sh.ExternalID, &sh.Title,
		&sh.RawDatetime, &sh.Location, &sh.Description, &sh.StartDateLocal,
		&sh.EndDateLocal, &startAt, &endAt, &sh.Timezone, &sh.DatePrecision,
		&sh.ItemURL, &sh.ImageURL, &sh.DedupeKey, &sh.Status, &sh.StatusReason,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if sh.StartAt, err = decodeTime(startAt); err != nil {
		return nil, err
	}
	if sh.EndAt, err = decodeTime(endAt); err != nil {
		return nil, err
	}
	if sh.CreatedAt, err = mustDecodeTime(createdAt); err != nil {
		return nil, err
	}
	if sh.UpdatedAt, err = mustDecodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &sh, nil
}

// ClaimSourceBatch claims under a transaction; with a single writer
// connection this is equivalent to the postgres SKIP LOCKED claim.
func (s *SQLiteStore) ClaimSourceBatch(ctx context.Context, afterID int64, limit int, includeReview bool) ([]model.SourceHappening, error) {
	if limit <= 0 {
		limit = 100
	}
	statuses := []string{string(model.SourceQueued)}
	if includeReview {
		statuses = append(statuses, string(model.SourceNeedsReview))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, afterID, limit)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM source_happenings
		WHERE status IN (`+placeholders+`) AND id > ?
		ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select claimable")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan claimable id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate claimable")
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	var claimed []model.SourceHappening
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE source_happenings SET status = 'processing', updated_at = datetime('now')
			WHERE id = ?`, id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim %d", id)
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, source_id, source_tier, external_id, title, raw_datetime, location,
				description, start_date_local, end_date_local, start_at, end_at, timezone,
				date_precision, item_url, image_url, dedupe_key, status, status_reason,
				created_at, updated_at
			FROM source_happenings WHERE id = ?`, id)
		sh, err := scanSourceRow(row.Scan)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: read claimed %d", id)
		}
		claimed = append(claimed, *sh)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}
	return claimed, nil
}

// ListSourceBatch reads claimable rows without claiming them, paged by
// the afterID cursor.
func (s *SQLiteStore) ListSourceBatch(ctx context.Context, afterID int64, limit int, includeReview bool) ([]model.SourceHappening, error) {
	if limit <= 0 {
		limit = 100
	}
	statuses := []string{string(model.SourceQueued)}
	if includeReview {
		statuses = append(statuses, string(model.SourceNeedsReview))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, afterID, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, source_tier, external_id, title, raw_datetime, location,
			description, start_date_local, end_date_local, start_at, end_at, timezone,
			date_precision, item_url, image_url, dedupe_key, status, status_reason,
			created_at, updated_at
		FROM source_happenings
		WHERE status IN (`+placeholders+`) AND id > ?
		ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list source batch")
	}
	defer rows.Close()

	var out []model.SourceHappening
	for rows.Next() {
		sh, err := scanSourceRow(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listed source")
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSourceStatus(ctx context.Context, id int64, status model.SourceStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE source_happenings SET status = ?, status_reason = ?, updated_at = datetime('now')
		WHERE id = ?`, string(status), reason, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source status %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: source happening not found: %d", id)
	}
	return nil
}

const sqliteHappeningColumns = `h.id, h.title, h.description, h.happening_kind, h.canonical_dedupe_key,
	h.visibility_status, h.primary_venue_id, h.is_online, h.editorial_priority,
	h.visibility_override, h.override_reason, h.override_set_by, h.override_set_at,
	h.override_expires_at, h.created_at, h.updated_at`

func scanSQLiteHappening(scan func(...any) error) (*model.Happening, error) {
	h := &model.Happening{}
	var setAt, expiresAt, createdAt, updatedAt sql.NullString
	err := scan(&h.ID, &h.Title, &h.Description, &h.HappeningKind,
		&h.CanonicalDedupeKey, &h.VisibilityStatus, &h.PrimaryVenueID, &h.IsOnline,
		&h.EditorialPriority, &h.VisibilityOverride, &h.OverrideReason,
		&h.OverrideSetBy, &setAt, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if h.OverrideSetAt, err = decodeTime(setAt); err != nil {
		return nil, err
	}
	if h.OverrideExpiresAt, err = decodeTime(expiresAt); err != nil {
		return nil, err
	}
	if h.CreatedAt, err = mustDecodeTime(createdAt); err != nil {
		return nil, err
	}
	if h.UpdatedAt, err = mustDecodeTime(updatedAt); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *SQLiteStore) LinkedHappening(ctx context.Context, sourceHappeningID int64) (*model.Happening, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteHappeningColumns+`
		FROM happenings h
		JOIN happening_sources hs ON hs.happening_id = h.id
		WHERE hs.source_happening_id = ?
		  AND h.visibility_status <> 'archived'
		LIMIT 1`, sourceHappeningID)
	h, err := scanSQLiteHappening(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: linked happening")
	}
	return h, nil
}

func (s *SQLiteStore) CreateHappening(ctx context.Context, h *model.Happening) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO happenings (
			title, description, happening_kind, canonical_dedupe_key,
			visibility_status, primary_venue_id, is_online
		) VALUES (?,?,?,?,?,?,?)`,
		h.Title, h.Description, h.HappeningKind, h.CanonicalDedupeKey,
		string(h.VisibilityStatus), h.PrimaryVenueID, h.IsOnline)
	if err != nil {
		return eris.Wrap(err, "sqlite: create happening")
	}
	h.ID, err = res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: happening id")
	}
	now := time.Now().UTC()
	h.CreatedAt, h.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) GetHappening(ctx context.Context, id int64) (*model.Happening, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteHappeningColumns+` FROM happenings h WHERE h.id = ?`, id)
	h, err := scanSQLiteHappening(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get happening %d", id)
	}
	return h, nil
}

func (s *SQLiteStore) UpdateHappeningFields(ctx context.Context, id int64, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	cols := make([]string, 0, len(patch))
	for col := range patch {
		if !updatableHappeningColumns[col] {
			return eris.Errorf("sqlite: column not updatable: %s", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	sets = append(sets, "updated_at = datetime('now')")
	for _, col := range cols {
		sets = append(sets, col+" = ?")
		args = append(args, patch[col])
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE happenings SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update happening %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: happening not found: %d", id)
	}
	return nil
}

func (s *SQLiteStore) DuplicateGroups(ctx context.Context) (map[string][]model.Happening, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteHappeningColumns+`
		FROM happenings h
		WHERE h.visibility_status <> 'archived'
		  AND h.canonical_dedupe_key IN (
			SELECT canonical_dedupe_key FROM happenings
			WHERE visibility_status <> 'archived'
			GROUP BY canonical_dedupe_key
			HAVING COUNT(*) > 1
		  )
		ORDER BY h.canonical_dedupe_key, h.id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: duplicate groups")
	}
	defer rows.Close()

	groups := make(map[string][]model.Happening)
	for rows.Next() {
		h, err := scanSQLiteHappening(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan duplicate")
		}
		groups[h.CanonicalDedupeKey] = append(groups[h.CanonicalDedupeKey], *h)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) UpsertOffering(ctx context.Context, o *model.Offering) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO offerings (happening_id, offering_type, timezone, start_date, end_date)
		VALUES (?,?,?,?,?)
		ON CONFLICT (happening_id, offering_type, timezone, start_date, end_date)
		DO UPDATE SET updated_at = datetime('now')
		RETURNING id`,
		o.HappeningID, o.OfferingType, o.Timezone, o.StartDate, o.EndDate,
	).Scan(&o.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert offering")
	}
	return nil
}

func (s *SQLiteStore) OfferingsInRange(ctx context.Context, date string) ([]model.Offering, map[int64]*model.Happening, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.happening_id, o.offering_type, o.timezone, o.start_date, o.end_date,
			`+sqliteHappeningColumns+`
		FROM offerings o
		JOIN happenings h ON h.id = o.happening_id
		WHERE o.start_date <> '' AND o.end_date <> ''
		  AND o.start_date <= ? AND o.end_date >= ?
		  AND h.visibility_status <> 'archived'
		ORDER BY o.id`, date, date)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: offerings in range")
	}
	defer rows.Close()

	var offerings []model.Offering
	happenings := make(map[int64]*model.Happening)
	for rows.Next() {
		var o model.Offering
		h := &model.Happening{}
		var setAt, expiresAt, createdAt, updatedAt sql.NullString
		err := rows.Scan(&o.ID, &o.HappeningID, &o.OfferingType, &o.Timezone,
			&o.StartDate, &o.EndDate,
			&h.ID, &h.Title, &h.Description, &h.HappeningKind,
			&h.CanonicalDedupeKey, &h.VisibilityStatus, &h.PrimaryVenueID,
			&h.IsOnline, &h.EditorialPriority, &h.VisibilityOverride,
			&h.OverrideReason, &h.OverrideSetBy, &setAt, &expiresAt,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: scan offering in range")
		}
		if h.OverrideSetAt, err = decodeTime(setAt); err != nil {
			return nil, nil, err
		}
		if h.OverrideExpiresAt, err = decodeTime(expiresAt); err != nil {
			return nil, nil, err
		}
		if h.CreatedAt, err = mustDecodeTime(createdAt); err != nil {
			return nil, nil, err
		}
		if h.UpdatedAt, err = mustDecodeTime(updatedAt); err != nil {
			return nil, nil, err
		}
		offerings = append(offerings, o)
		if _, ok := happenings[h.ID]; !ok {
			happenings[h.ID] = h
		}
	}
	return offerings, happenings, rows.Err()
}

func (s *SQLiteStore) OfferingsForHappening(ctx context.Context, happeningID int64) ([]model.Offering, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, happening_id, offering_type, timezone, start_date, end_date
		FROM offerings WHERE happening_id = ? ORDER BY id`, happeningID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: offerings for happening %d", happeningID)
	}
	defer rows.Close()

	var out []model.Offering
	for rows.Next() {
		var o model.Offering
		if err := rows.Scan(&o.ID, &o.HappeningID, &o.OfferingType, &o.Timezone,
			&o.StartDate, &o.EndDate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan offering")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertOccurrence(ctx context.Context, o *model.Occurrence) error {
	if o.StartAt == nil {
		return eris.New("sqlite: occurrence requires start_at")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO occurrences (offering_id, start_at, end_at, venue_name, status)
		VALUES (?,?,?,?,?)
		ON CONFLICT (offering_id, start_at) DO UPDATE SET
			end_at = COALESCE(excluded.end_at, occurrences.end_at),
			venue_name = CASE WHEN excluded.venue_name <> '' THEN excluded.venue_name ELSE occurrences.venue_name END
		RETURNING id`,
		o.OfferingID, encodeTime(o.StartAt), encodeTime(o.EndAt), o.VenueName, o.Status,
	).Scan(&o.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert occurrence")
	}
	return nil
}

func (s *SQLiteStore) OccurrencesForOffering(ctx context.Context, offeringID int64) ([]model.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, offering_id, start_at, end_at, venue_name, status
		FROM occurrences WHERE offering_id = ? ORDER BY id`, offeringID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: occurrences for offering %d", offeringID)
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		var o model.Occurrence
		var startAt, endAt sql.NullString
		if err := rows.Scan(&o.ID, &o.OfferingID, &startAt, &endAt,
			&o.VenueName, &o.Status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan occurrence")
		}
		if o.StartAt, err = decodeTime(startAt); err != nil {
			return nil, err
		}
		if o.EndAt, err = decodeTime(endAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertHappeningSource(ctx context.Context, hs *model.HappeningSource) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO happening_sources (happening_id, source_happening_id, source_id, source_priority, is_primary)
		VALUES (?,?,?,?,?)
		ON CONFLICT (source_happening_id) DO UPDATE SET
			happening_id = excluded.happening_id,
			source_id = excluded.source_id,
			source_priority = excluded.source_priority,
			is_primary = CASE
				WHEN happening_sources.happening_id = excluded.happening_id
					AND happening_sources.is_primary THEN 1
				ELSE excluded.is_primary
			END
		RETURNING id`,
		hs.HappeningID, hs.SourceHappeningID, hs.SourceID, hs.SourcePriority, hs.IsPrimary,
	).Scan(&hs.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert happening source")
	}
	return nil
}

func (s *SQLiteStore) SourcesForHappening(ctx context.Context, happeningID int64) ([]model.HappeningSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, happening_id, source_happening_id, source_id, source_priority, is_primary
		FROM happening_sources WHERE happening_id = ? ORDER BY id`, happeningID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: sources for happening %d", happeningID)
	}
	defer rows.Close()

	var out []model.HappeningSource
	for rows.Next() {
		var hs model.HappeningSource
		if err := rows.Scan(&hs.ID, &hs.HappeningID, &hs.SourceHappeningID,
			&hs.SourceID, &hs.SourcePriority, &hs.IsPrimary); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan happening source")
		}
		out = append(out, hs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HasPrimaryLink(ctx context.Context, happeningID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM happening_sources WHERE happening_id = ? AND is_primary
		)`, happeningID).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has primary link %d", happeningID)
	}
	return exists, nil
}

func (s *SQLiteStore) LinkCounts(ctx context.Context, happeningIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(happeningIDs))
	if len(happeningIDs) == 0 {
		return counts, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(happeningIDs)), ",")
	args := make([]any, len(happeningIDs))
	for i, id := range happeningIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT happening_id, COUNT(*) FROM happening_sources
		WHERE happening_id IN (`+placeholders+`) GROUP BY happening_id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: link counts")
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link count")
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) InsertFieldHistory(ctx context.Context, entries []model.CanonicalFieldHistory) (int64, error) {
	var inserted int64
	for _, e := range entries {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO canonical_field_history
				(happening_id, field, old_value, new_value, change_key)
			VALUES (?,?,?,?,?)`,
			e.HappeningID, e.Field, e.OldValue, e.NewValue, e.ChangeKey)
		if err != nil {
			return inserted, eris.Wrap(err, "sqlite: insert field history")
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, nil
}

func (s *SQLiteStore) UpsertReview(ctx context.Context, r *model.CanonicalizationReview) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	candidatesJSON, err := json.Marshal(r.Candidates)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal review candidates")
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO canonicalization_reviews (
			id, run_id, source_happening_id, review_type, candidates,
			threshold, fingerprint, detail, status
		) VALUES (?,?,?,?,?,?,?,?,'open')
		ON CONFLICT (source_happening_id, review_type) WHERE status = 'open'
		DO UPDATE SET
			run_id = excluded.run_id,
			candidates = excluded.candidates,
			threshold = excluded.threshold,
			fingerprint = excluded.fingerprint,
			detail = excluded.detail,
			updated_at = datetime('now')
		RETURNING id`,
		r.ID, r.RunID, r.SourceHappeningID, string(r.ReviewType),
		string(candidatesJSON), r.Threshold, r.Fingerprint, r.Detail,
	).Scan(&r.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert review")
	}
	r.Status = model.ReviewOpen
	return nil
}

func (s *SQLiteStore) ListOpenReviews(ctx context.Context, limit int) ([]model.CanonicalizationReview, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, source_happening_id, review_type, candidates,
			threshold, fingerprint, detail, status, created_at, updated_at
		FROM canonicalization_reviews
		WHERE status = 'open'
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list open reviews")
	}
	defer rows.Close()

	var out []model.CanonicalizationReview
	for rows.Next() {
		var r model.CanonicalizationReview
		var candidatesJSON sql.NullString
		var createdAt, updatedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.SourceHappeningID, &r.ReviewType,
			&candidatesJSON, &r.Threshold, &r.Fingerprint, &r.Detail, &r.Status,
			&createdAt, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review")
		}
		if candidatesJSON.Valid && candidatesJSON.String != "" {
			if err := json.Unmarshal([]byte(candidatesJSON.String), &r.Candidates); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal review candidates")
			}
		}
		if r.CreatedAt, err = mustDecodeTime(createdAt); err != nil {
			return nil, err
		}
		if r.UpdatedAt, err = mustDecodeTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertRunStats(ctx context.Context, st *model.MergeRunStats) error {
	histJSON, err := json.Marshal(st.Histogram)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal histogram")
	}
	perSourceJSON, err := json.Marshal(st.PerSource)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal per-source stats")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merge_run_stats (
			run_id, dry_run, claimed, merged, created, reviewed, failed, fast_path,
			histogram, per_source, claim_millis, match_millis, write_millis,
			started_at, finished_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.RunID, st.DryRun, st.Claimed, st.Merged, st.Created, st.Reviewed,
		st.Failed, st.FastPath, string(histJSON), string(perSourceJSON),
		st.ClaimMillis, st.MatchMillis, st.WriteMillis,
		encodeTime(&st.StartedAt), encodeTime(&st.FinishedAt))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert run stats")
	}
	return nil
}

func (s *SQLiteStore) ListRunStats(ctx context.Context, limit int) ([]model.MergeRunStats, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, dry_run, claimed, merged, created, reviewed, failed, fast_path,
			histogram, per_source, claim_millis, match_millis, write_millis,
			started_at, finished_at
		FROM merge_run_stats
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run stats")
	}
	defer rows.Close()

	var out []model.MergeRunStats
	for rows.Next() {
		var st model.MergeRunStats
		var histJSON, perSourceJSON, startedAt, finishedAt sql.NullString
		if err := rows.Scan(&st.RunID, &st.DryRun, &st.Claimed, &st.Merged,
			&st.Created, &st.Reviewed, &st.Failed, &st.FastPath,
			&histJSON, &perSourceJSON, &st.ClaimMillis, &st.MatchMillis,
			&st.WriteMillis, &startedAt, &finishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run stats")
		}
		if histJSON.Valid && histJSON.String != "" {
			if err := json.Unmarshal([]byte(histJSON.String), &st.Histogram); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal histogram")
			}
		}
		if perSourceJSON.Valid && perSourceJSON.String != "" {
			if err := json.Unmarshal([]byte(perSourceJSON.String), &st.PerSource); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal per-source stats")
			}
		}
		if st.StartedAt, err = mustDecodeTime(startedAt); err != nil {
			return nil, err
		}
		if st.FinishedAt, err = mustDecodeTime(finishedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// HasConvergeProcedure always reports false: sqlite has no stored
// procedures, so live convergence requires postgres.
func (s *SQLiteStore) HasConvergeProcedure(ctx context.Context) (bool, error) {
	return false, nil
}

// ConvergeCanonicalKey is unsupported on sqlite.
func (s *SQLiteStore) ConvergeCanonicalKey(ctx context.Context, key string) (ConvergeCounters, error) {
	return ConvergeCounters{}, eris.New("sqlite: transactional convergence not supported")
}
