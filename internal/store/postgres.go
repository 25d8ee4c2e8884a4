package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/elternzeit/happenings-cli/internal/db"
	"github.com/elternzeit/happenings-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with
// pgxmock and by callers that manage their own pool lifecycle.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// The happenings.canonical_dedupe_key and
// source_happenings.dedupe_key values written by the application are
// also computed by SQL backfill jobs. The hash inputs are a
// cross-system contract with internal/dedupe; see that package before
// touching any key-bearing column.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_happenings (
	id               BIGSERIAL PRIMARY KEY,
	source_id        TEXT NOT NULL,
	source_tier      TEXT NOT NULL DEFAULT 'C',
	external_id      TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	raw_datetime     TEXT NOT NULL DEFAULT '',
	location         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	start_date_local TEXT NOT NULL DEFAULT '',
	end_date_local   TEXT NOT NULL DEFAULT '',
	start_at         TIMESTAMPTZ,
	end_at           TIMESTAMPTZ,
	timezone         TEXT NOT NULL DEFAULT '',
	date_precision   TEXT NOT NULL DEFAULT '',
	item_url         TEXT NOT NULL DEFAULT '',
	image_url        TEXT NOT NULL DEFAULT '',
	dedupe_key       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	status_reason    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_id, dedupe_key)
);

CREATE TABLE IF NOT EXISTS happenings (
	id                   BIGSERIAL PRIMARY KEY,
	title                TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	happening_kind       TEXT NOT NULL DEFAULT 'event',
	canonical_dedupe_key TEXT NOT NULL,
	visibility_status    TEXT NOT NULL DEFAULT 'draft',
	primary_venue_id     BIGINT,
	is_online            BOOLEAN NOT NULL DEFAULT FALSE,
	editorial_priority   INT NOT NULL DEFAULT 0,
	visibility_override  TEXT,
	override_reason      TEXT,
	override_set_by      TEXT,
	override_set_at      TIMESTAMPTZ,
	override_expires_at  TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS offerings (
	id            BIGSERIAL PRIMARY KEY,
	happening_id  BIGINT NOT NULL REFERENCES happenings(id),
	offering_type TEXT NOT NULL DEFAULT 'one_off',
	timezone      TEXT NOT NULL DEFAULT '',
	start_date    TEXT NOT NULL DEFAULT '',
	end_date      TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (happening_id, offering_type, timezone, start_date, end_date)
);

CREATE TABLE IF NOT EXISTS occurrences (
	id          BIGSERIAL PRIMARY KEY,
	offering_id BIGINT NOT NULL REFERENCES offerings(id),
	start_at    TIMESTAMPTZ NOT NULL,
	end_at      TIMESTAMPTZ,
	venue_name  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'scheduled',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (offering_id, start_at)
);

CREATE TABLE IF NOT EXISTS happening_sources (
	id                  BIGSERIAL PRIMARY KEY,
	happening_id        BIGINT NOT NULL REFERENCES happenings(id),
	source_happening_id BIGINT NOT NULL REFERENCES source_happenings(id) UNIQUE,
	source_id           TEXT NOT NULL,
	source_priority     INT NOT NULL DEFAULT 100,
	is_primary          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS canonical_field_history (
	id           BIGSERIAL PRIMARY KEY,
	happening_id BIGINT NOT NULL REFERENCES happenings(id),
	field        TEXT NOT NULL,
	old_value    TEXT NOT NULL DEFAULT '',
	new_value    TEXT NOT NULL DEFAULT '',
	change_key   TEXT NOT NULL UNIQUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS canonicalization_reviews (
	id                  TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL DEFAULT '',
	source_happening_id BIGINT NOT NULL,
	review_type         TEXT NOT NULL,
	candidates          JSONB,
	threshold           DOUBLE PRECISION NOT NULL DEFAULT 0,
	fingerprint         TEXT NOT NULL DEFAULT '',
	detail              TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'open',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS merge_run_stats (
	run_id       TEXT PRIMARY KEY,
	dry_run      BOOLEAN NOT NULL DEFAULT FALSE,
	claimed      INT NOT NULL DEFAULT 0,
	merged       INT NOT NULL DEFAULT 0,
	created      INT NOT NULL DEFAULT 0,
	reviewed     INT NOT NULL DEFAULT 0,
	failed       INT NOT NULL DEFAULT 0,
	fast_path    INT NOT NULL DEFAULT 0,
	histogram    JSONB,
	per_source   JSONB,
	claim_millis BIGINT NOT NULL DEFAULT 0,
	match_millis BIGINT NOT NULL DEFAULT 0,
	write_millis BIGINT NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_source_happenings_status ON source_happenings(status);
CREATE INDEX IF NOT EXISTS idx_happenings_canonical_key ON happenings(canonical_dedupe_key);
CREATE INDEX IF NOT EXISTS idx_offerings_date_range ON offerings(start_date, end_date);
CREATE INDEX IF NOT EXISTS idx_happening_sources_happening ON happening_sources(happening_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reviews_open_one
	ON canonicalization_reviews(source_happening_id, review_type) WHERE status = 'open';
`

// convergeProcedure is the transactional unit the convergence job
// delegates to in live mode. It re-derives the deterministic winner
// with the same total order the Go side uses, then repoints offerings,
// occurrences and provenance links and archives the losers, all inside
// one function call (one implicit transaction).
const convergeProcedure = `
CREATE OR REPLACE FUNCTION converge_one_canonical_key(p_key TEXT)
RETURNS JSONB
LANGUAGE plpgsql
AS $fn$
DECLARE
	v_winner BIGINT;
	v_loser RECORD;
	v_off RECORD;
	v_existing BIGINT;
	v_n INT;
	c_off_repoint INT := 0;
	c_off_merged INT := 0;
	c_occ_repoint INT := 0;
	c_occ_dropped INT := 0;
	c_links_repoint INT := 0;
	c_links_dropped INT := 0;
	c_archived INT := 0;
BEGIN
	-- Lock the whole group up front. A locking clause cannot carry
	-- grouping or aggregates, so ranking happens in a second,
	-- lock-free query over the already-locked rows.
	PERFORM 1 FROM happenings
	WHERE canonical_dedupe_key = p_key AND visibility_status <> 'archived'
	FOR UPDATE;

	SELECT h.id INTO v_winner
	FROM happenings h
	WHERE h.canonical_dedupe_key = p_key AND h.visibility_status <> 'archived'
	ORDER BY h.editorial_priority DESC,
		(SELECT COUNT(*) FROM happening_sources hs WHERE hs.happening_id = h.id) DESC,
		h.created_at ASC, h.id ASC
	LIMIT 1;

	IF v_winner IS NULL THEN
		RETURN jsonb_build_object();
	END IF;

	FOR v_loser IN
		SELECT id FROM happenings
		WHERE canonical_dedupe_key = p_key
		  AND visibility_status <> 'archived'
		  AND id <> v_winner
		ORDER BY id
	LOOP
		FOR v_off IN SELECT * FROM offerings WHERE happening_id = v_loser.id LOOP
			SELECT id INTO v_existing FROM offerings
			WHERE happening_id = v_winner
			  AND offering_type = v_off.offering_type
			  AND timezone = v_off.timezone
			  AND start_date = v_off.start_date
			  AND end_date = v_off.end_date;

			IF v_existing IS NULL THEN
				UPDATE offerings SET happening_id = v_winner, updated_at = now()
				WHERE id = v_off.id;
				c_off_repoint := c_off_repoint + 1;
			ELSE
				-- Offering natural-key collision: move occurrences into
				-- the winner offering, dropping (offering_id, start_at)
				-- duplicates, then drop the emptied loser offering.
				UPDATE occurrences o SET offering_id = v_existing
				WHERE o.offering_id = v_off.id
				  AND NOT EXISTS (
					SELECT 1 FROM occurrences w
					WHERE w.offering_id = v_existing AND w.start_at = o.start_at
				  );
				GET DIAGNOSTICS v_n = ROW_COUNT;
				c_occ_repoint := c_occ_repoint + v_n;

				DELETE FROM occurrences WHERE offering_id = v_off.id;
				GET DIAGNOSTICS v_n = ROW_COUNT;
				c_occ_dropped := c_occ_dropped + v_n;

				DELETE FROM offerings WHERE id = v_off.id;
				c_off_merged := c_off_merged + 1;
			END IF;
		END LOOP;

		-- Provenance: the winner may already be linked to the same
		-- source row; those loser links are dropped, the rest repointed.
		DELETE FROM happening_sources l
		WHERE l.happening_id = v_loser.id
		  AND EXISTS (
			SELECT 1 FROM happening_sources w
			WHERE w.happening_id = v_winner
			  AND w.source_happening_id = l.source_happening_id
		  );
		GET DIAGNOSTICS v_n = ROW_COUNT;
		c_links_dropped := c_links_dropped + v_n;

		UPDATE happening_sources SET happening_id = v_winner
		WHERE happening_id = v_loser.id;
		GET DIAGNOSTICS v_n = ROW_COUNT;
		c_links_repoint := c_links_repoint + v_n;

		UPDATE happenings SET visibility_status = 'archived', updated_at = now()
		WHERE id = v_loser.id;
		c_archived := c_archived + 1;
	END LOOP;

	RETURN jsonb_build_object(
		'offerings_repointed', c_off_repoint,
		'offerings_merged', c_off_merged,
		'occurrences_repointed', c_occ_repoint,
		'occurrences_dropped', c_occ_dropped,
		'links_repointed', c_links_repoint,
		'links_dropped', c_links_dropped,
		'losers_archived', c_archived
	);
END;
$fn$;
`

// Migrate creates the schema and the convergence procedure.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate schema")
	}
	if _, err := s.pool.Exec(ctx, convergeProcedure); err != nil {
		return eris.Wrap(err, "postgres: create converge procedure")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const sourceColumns = `id, source_id, source_tier, external_id, title, raw_datetime, location,
	description, start_date_local, end_date_local, start_at, end_at, timezone,
	date_precision, item_url, image_url, dedupe_key, status, status_reason,
	created_at, updated_at`

func scanSource(row pgx.Row) (*model.SourceHappening, error) {
	var sh model.SourceHappening
	err := row.Scan(&sh.ID, &sh.SourceID, &sh.SourceTier, &sh.ExternalID, &sh.Title,
		&sh.RawDatetime, &sh.Location, &sh.Description, &sh.StartDateLocal,
		&sh.EndDateLocal, &sh.StartAt, &sh.EndAt, &sh.Timezone, &sh.DatePrecision,
		&sh.ItemURL, &sh.ImageURL, &sh.DedupeKey, &sh.Status, &sh.StatusReason,
		&sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// UpsertSourceHappening inserts a source row or refreshes the raw
// fields of an existing (source_id, dedupe_key) row. The lifecycle
// status of an existing row is left alone: re-scraping an already
// processed event must not re-queue it.
func (s *PostgresStore) UpsertSourceHappening(ctx context.Context, sh *model.SourceHappening) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO source_happenings (
			source_id, source_tier, external_id, title, raw_datetime, location,
			description, start_date_local, end_date_local, start_at, end_at,
			timezone, date_precision, item_url, image_url, dedupe_key, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (source_id, dedupe_key) DO UPDATE SET
			source_tier = EXCLUDED.source_tier,
			external_id = EXCLUDED.external_id,
			title = EXCLUDED.title,
			raw_datetime = EXCLUDED.raw_datetime,
			location = EXCLUDED.location,
			description = EXCLUDED.description,
			start_date_local = EXCLUDED.start_date_local,
			end_date_local = EXCLUDED.end_date_local,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			timezone = EXCLUDED.timezone,
			date_precision = EXCLUDED.date_precision,
			item_url = EXCLUDED.item_url,
			image_url = EXCLUDED.image_url,
			updated_at = now()
		RETURNING id, created_at, updated_at, (xmax = 0)`,
		sh.SourceID, sh.SourceTier, sh.ExternalID, sh.Title, sh.RawDatetime,
		sh.Location, sh.Description, sh.StartDateLocal, sh.EndDateLocal,
		sh.StartAt, sh.EndAt, sh.Timezone, sh.DatePrecision, sh.ItemURL,
		sh.ImageURL, sh.DedupeKey, string(model.SourceQueued),
	).Scan(&sh.ID, &sh.CreatedAt, &sh.UpdatedAt, &inserted)
	if err != nil {
		return false, eris.Wrap(err, "postgres: upsert source happening")
	}
	return inserted, nil
}

// ClaimSourceBatch atomically flips a batch to processing and returns
// the claimed rows. The claim happens in the same statement as the
// fetch so overlapping loop invocations never double-process a batch.
func (s *PostgresStore) ClaimSourceBatch(ctx context.Context, afterID int64, limit int, includeReview bool) ([]model.SourceHappening, error) {
	if limit <= 0 {
		limit = 100
	}
	statuses := []string{string(model.SourceQueued)}
	if includeReview {
		statuses = append(statuses, string(model.SourceNeedsReview))
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE source_happenings SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM source_happenings
			WHERE status = ANY($1) AND id > $2
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+sourceColumns, statuses, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim source batch")
	}
	defer rows.Close()

	var claimed []model.SourceHappening
	for rows.Next() {
		sh, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan claimed source")
		}
		claimed = append(claimed, *sh)
	}
	return claimed, eris.Wrap(rows.Err(), "postgres: claim iterate")
}

// ListSourceBatch reads claimable rows without claiming them. Dry runs
// page through with the afterID cursor instead of relying on status
// flips to advance.
func (s *PostgresStore) ListSourceBatch(ctx context.Context, afterID int64, limit int, includeReview bool) ([]model.SourceHappening, error) {
	if limit <= 0 {
		limit = 100
	}
	statuses := []string{string(model.SourceQueued)}
	if includeReview {
		statuses = append(statuses, string(model.SourceNeedsReview))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+sourceColumns+` FROM source_happenings
		WHERE status = ANY($1) AND id > $2
		ORDER BY id
		LIMIT $3`, statuses, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list source batch")
	}
	defer rows.Close()

	var out []model.SourceHappening
	for rows.Next() {
		sh, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan listed source")
		}
		out = append(out, *sh)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list iterate")
}

// UpdateSourceStatus moves a source row to a new lifecycle status with
// an optional reason (truncated by the caller).
func (s *PostgresStore) UpdateSourceStatus(ctx context.Context, id int64, status model.SourceStatus, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE source_happenings SET status = $2, status_reason = $3, updated_at = now()
		WHERE id = $1`, id, string(status), reason)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source status %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: source happening not found: %d", id)
	}
	return nil
}

// LinkedHappening implements the merge fast path lookup.
func (s *PostgresStore) LinkedHappening(ctx context.Context, sourceHappeningID int64) (*model.Happening, error) {
	h := &model.Happening{}
	err := s.pool.QueryRow(ctx, `
		SELECT `+happeningColumns+`
		FROM happenings h
		JOIN happening_sources hs ON hs.happening_id = h.id
		WHERE hs.source_happening_id = $1
		  AND h.visibility_status <> 'archived'
		LIMIT 1`, sourceHappeningID).
		Scan(happeningDests(h)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: linked happening")
	}
	return h, nil
}

const happeningColumns = `h.id, h.title, h.description, h.happening_kind, h.canonical_dedupe_key,
	h.visibility_status, h.primary_venue_id, h.is_online, h.editorial_priority,
	h.visibility_override, h.override_reason, h.override_set_by, h.override_set_at,
	h.override_expires_at, h.created_at, h.updated_at`

func happeningDests(h *model.Happening) []any {
	return []any{&h.ID, &h.Title, &h.Description, &h.HappeningKind, &h.CanonicalDedupeKey,
		&h.VisibilityStatus, &h.PrimaryVenueID, &h.IsOnline, &h.EditorialPriority,
		&h.VisibilityOverride, &h.OverrideReason, &h.OverrideSetBy, &h.OverrideSetAt,
		&h.OverrideExpiresAt, &h.CreatedAt, &h.UpdatedAt}
}

// CreateHappening inserts a new canonical happening and sets its ID.
// Editorial columns are not in the insert list: new rows get the
// schema defaults and only admins ever change them.
func (s *PostgresStore) CreateHappening(ctx context.Context, h *model.Happening) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO happenings (
			title, description, happening_kind, canonical_dedupe_key,
			visibility_status, primary_venue_id, is_online
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at, updated_at`,
		h.Title, h.Description, h.HappeningKind, h.CanonicalDedupeKey,
		string(h.VisibilityStatus), h.PrimaryVenueID, h.IsOnline,
	).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: create happening")
	}
	return nil
}

// GetHappening fetches a happening by ID; nil when absent.
func (s *PostgresStore) GetHappening(ctx context.Context, id int64) (*model.Happening, error) {
	h := &model.Happening{}
	err := s.pool.QueryRow(ctx, `SELECT `+happeningColumns+` FROM happenings h WHERE h.id = $1`, id).
		Scan(happeningDests(h)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get happening %d", id)
	}
	return h, nil
}

// updatableHappeningColumns whitelists the columns UpdateHappeningFields
// may touch. Everything editorial is absent on purpose.
var updatableHappeningColumns = map[string]bool{
	"title":            true,
	"description":      true,
	"happening_kind":   true,
	"primary_venue_id": true,
	"is_online":        true,
}

// UpdateHappeningFields applies a column patch to a happening. Unknown
// or editorial columns are rejected outright; this is the store-side
// backstop behind the writer's own filter.
func (s *PostgresStore) UpdateHappeningFields(ctx context.Context, id int64, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	sql := `UPDATE happenings SET updated_at = now()`
	args := []any{id}
	for _, kv := range sortedPatch(patch) {
		if !updatableHappeningColumns[kv.col] {
			return eris.Errorf("postgres: column not updatable: %s", kv.col)
		}
		args = append(args, kv.val)
		sql += ", " + pgx.Identifier{kv.col}.Sanitize() + " = $" + strconv.Itoa(len(args))
	}
	sql += ` WHERE id = $1`

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update happening %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: happening not found: %d", id)
	}
	return nil
}

// DuplicateGroups returns non-archived happenings sharing a canonical
// key, grouped, with only multi-member groups retained.
func (s *PostgresStore) DuplicateGroups(ctx context.Context) (map[string][]model.Happening, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+happeningColumns+`
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
		return nil, eris.Wrap(err, "postgres: duplicate groups")
	}
	defer rows.Close()

	groups := make(map[string][]model.Happening)
	for rows.Next() {
		h := model.Happening{}
		if err := rows.Scan(happeningDests(&h)...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan duplicate")
		}
		groups[h.CanonicalDedupeKey] = append(groups[h.CanonicalDedupeKey], h)
	}
	return groups, eris.Wrap(rows.Err(), "postgres: duplicate groups iterate")
}

// UpsertOffering inserts an offering or resolves a natural-key
// collision to the existing row, setting o.ID either way.
func (s *PostgresStore) UpsertOffering(ctx context.Context, o *model.Offering) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO offerings (happening_id, offering_type, timezone, start_date, end_date)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (happening_id, offering_type, timezone, start_date, end_date)
		DO UPDATE SET updated_at = now()
		RETURNING id, created_at, updated_at`,
		o.HappeningID, o.OfferingType, o.Timezone, o.StartDate, o.EndDate,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert offering")
	}
	return nil
}

// OfferingsInRange returns candidate offerings for a civil date plus
// their (non-archived) happenings keyed by id.
func (s *PostgresStore) OfferingsInRange(ctx context.Context, date string) ([]model.Offering, map[int64]*model.Happening, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.happening_id, o.offering_type, o.timezone, o.start_date, o.end_date,
			o.created_at, o.updated_at, `+happeningColumns+`
		FROM offerings o
		JOIN happenings h ON h.id = o.happening_id
		WHERE o.start_date <> '' AND o.end_date <> ''
		  AND o.start_date <= $1 AND o.end_date >= $1
		  AND h.visibility_status <> 'archived'
		ORDER BY o.id`, date)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: offerings in range")
	}
	defer rows.Close()

	var offerings []model.Offering
	happenings := make(map[int64]*model.Happening)
	for rows.Next() {
		var o model.Offering
		h := &model.Happening{}
		dests := []any{&o.ID, &o.HappeningID, &o.OfferingType, &o.Timezone,
			&o.StartDate, &o.EndDate, &o.CreatedAt, &o.UpdatedAt}
		dests = append(dests, happeningDests(h)...)
		if err := rows.Scan(dests...); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: scan offering in range")
		}
		offerings = append(offerings, o)
		if _, ok := happenings[h.ID]; !ok {
			happenings[h.ID] = h
		}
	}
	return offerings, happenings, eris.Wrap(rows.Err(), "postgres: offerings iterate")
}

// OfferingsForHappening lists offerings under one happening.
func (s *PostgresStore) OfferingsForHappening(ctx context.Context, happeningID int64) ([]model.Offering, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, happening_id, offering_type, timezone, start_date, end_date, created_at, updated_at
		FROM offerings WHERE happening_id = $1 ORDER BY id`, happeningID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: offerings for happening %d", happeningID)
	}
	defer rows.Close()

	var out []model.Offering
	for rows.Next() {
		var o model.Offering
		if err := rows.Scan(&o.ID, &o.HappeningID, &o.OfferingType, &o.Timezone,
			&o.StartDate, &o.EndDate, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan offering")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertOccurrence inserts an occurrence, deduplicating on
// (offering_id, start_at). Null-start occurrences are rejected: an
// occurrence without a time is not representable.
func (s *PostgresStore) UpsertOccurrence(ctx context.Context, o *model.Occurrence) error {
	if o.StartAt == nil {
		return eris.New("postgres: occurrence requires start_at")
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO occurrences (offering_id, start_at, end_at, venue_name, status)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (offering_id, start_at) DO UPDATE SET
			end_at = COALESCE(EXCLUDED.end_at, occurrences.end_at),
			venue_name = CASE WHEN EXCLUDED.venue_name <> '' THEN EXCLUDED.venue_name ELSE occurrences.venue_name END
		RETURNING id, created_at`,
		o.OfferingID, o.StartAt, o.EndAt, o.VenueName, o.Status,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert occurrence")
	}
	return nil
}

// OccurrencesForOffering lists occurrences under one offering.
func (s *PostgresStore) OccurrencesForOffering(ctx context.Context, offeringID int64) ([]model.Occurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, offering_id, start_at, end_at, venue_name, status, created_at
		FROM occurrences WHERE offering_id = $1 ORDER BY id`, offeringID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: occurrences for offering %d", offeringID)
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		var o model.Occurrence
		if err := rows.Scan(&o.ID, &o.OfferingID, &o.StartAt, &o.EndAt,
			&o.VenueName, &o.Status, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan occurrence")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertHappeningSource links a source row to a happening. The unique
// constraint on source_happening_id makes re-linking an overwrite.
func (s *PostgresStore) UpsertHappeningSource(ctx context.Context, hs *model.HappeningSource) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO happening_sources (happening_id, source_happening_id, source_id, source_priority, is_primary)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (source_happening_id) DO UPDATE SET
			happening_id = EXCLUDED.happening_id,
			source_id = EXCLUDED.source_id,
			source_priority = EXCLUDED.source_priority,
			is_primary = CASE
				WHEN happening_sources.happening_id = EXCLUDED.happening_id
					AND happening_sources.is_primary THEN TRUE
				ELSE EXCLUDED.is_primary
			END
		RETURNING id, created_at`,
		hs.HappeningID, hs.SourceHappeningID, hs.SourceID, hs.SourcePriority, hs.IsPrimary,
	).Scan(&hs.ID, &hs.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert happening source")
	}
	return nil
}

// SourcesForHappening lists provenance links for one happening.
func (s *PostgresStore) SourcesForHappening(ctx context.Context, happeningID int64) ([]model.HappeningSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, happening_id, source_happening_id, source_id, source_priority, is_primary, created_at
		FROM happening_sources WHERE happening_id = $1 ORDER BY id`, happeningID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: sources for happening %d", happeningID)
	}
	defer rows.Close()

	var out []model.HappeningSource
	for rows.Next() {
		var hs model.HappeningSource
		if err := rows.Scan(&hs.ID, &hs.HappeningID, &hs.SourceHappeningID,
			&hs.SourceID, &hs.SourcePriority, &hs.IsPrimary, &hs.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan happening source")
		}
		out = append(out, hs)
	}
	return out, rows.Err()
}

// HasPrimaryLink reports whether a happening already has a primary
// provenance link.
func (s *PostgresStore) HasPrimaryLink(ctx context.Context, happeningID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM happening_sources WHERE happening_id = $1 AND is_primary
		)`, happeningID).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has primary link %d", happeningID)
	}
	return exists, nil
}

// LinkCounts returns per-happening provenance link counts.
func (s *PostgresStore) LinkCounts(ctx context.Context, happeningIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(happeningIDs))
	if len(happeningIDs) == 0 {
		return counts, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT happening_id, COUNT(*) FROM happening_sources
		WHERE happening_id = ANY($1) GROUP BY happening_id`, happeningIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: link counts")
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan link count")
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// InsertFieldHistory appends tracked-field transitions, ignoring rows
// whose change_key already exists. Returns the number actually written.
func (s *PostgresStore) InsertFieldHistory(ctx context.Context, entries []model.CanonicalFieldHistory) (int64, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.HappeningID, e.Field, e.OldValue, e.NewValue, e.ChangeKey})
	}
	n, err := db.InsertIgnoreBatch(ctx, s.pool, "canonical_field_history",
		[]string{"happening_id", "field", "old_value", "new_value", "change_key"},
		"change_key", rows)
	if err != nil {
		return n, eris.Wrap(err, "postgres: insert field history")
	}
	return n, nil
}

// UpsertReview opens or refreshes the one open review per
// (source_happening_id, review_type).
func (s *PostgresStore) UpsertReview(ctx context.Context, r *model.CanonicalizationReview) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	candidatesJSON, err := json.Marshal(r.Candidates)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal review candidates")
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO canonicalization_reviews (
			id, run_id, source_happening_id, review_type, candidates,
			threshold, fingerprint, detail, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'open')
		ON CONFLICT (source_happening_id, review_type) WHERE status = 'open'
		DO UPDATE SET
			run_id = EXCLUDED.run_id,
			candidates = EXCLUDED.candidates,
			threshold = EXCLUDED.threshold,
			fingerprint = EXCLUDED.fingerprint,
			detail = EXCLUDED.detail,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		r.ID, r.RunID, r.SourceHappeningID, string(r.ReviewType), candidatesJSON,
		r.Threshold, r.Fingerprint, r.Detail,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert review")
	}
	r.Status = model.ReviewOpen
	return nil
}

// ListOpenReviews returns the open review backlog, oldest first.
func (s *PostgresStore) ListOpenReviews(ctx context.Context, limit int) ([]model.CanonicalizationReview, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, source_happening_id, review_type, candidates,
			threshold, fingerprint, detail, status, created_at, updated_at
		FROM canonicalization_reviews
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list open reviews")
	}
	defer rows.Close()

	var out []model.CanonicalizationReview
	for rows.Next() {
		var r model.CanonicalizationReview
		var candidatesJSON []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.SourceHappeningID, &r.ReviewType,
			&candidatesJSON, &r.Threshold, &r.Fingerprint, &r.Detail, &r.Status,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review")
		}
		if len(candidatesJSON) > 0 {
			if err := json.Unmarshal(candidatesJSON, &r.Candidates); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal review candidates")
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRunStats persists one merge run's telemetry.
func (s *PostgresStore) InsertRunStats(ctx context.Context, st *model.MergeRunStats) error {
	histJSON, err := json.Marshal(st.Histogram)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal histogram")
	}
	perSourceJSON, err := json.Marshal(st.PerSource)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal per-source stats")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO merge_run_stats (
			run_id, dry_run, claimed, merged, created, reviewed, failed, fast_path,
			histogram, per_source, claim_millis, match_millis, write_millis,
			started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		st.RunID, st.DryRun, st.Claimed, st.Merged, st.Created, st.Reviewed,
		st.Failed, st.FastPath, histJSON, perSourceJSON,
		st.ClaimMillis, st.MatchMillis, st.WriteMillis, st.StartedAt, st.FinishedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: insert run stats")
	}
	return nil
}

// ListRunStats returns recent merge runs, newest first.
func (s *PostgresStore) ListRunStats(ctx context.Context, limit int) ([]model.MergeRunStats, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, dry_run, claimed, merged, created, reviewed, failed, fast_path,
			histogram, per_source, claim_millis, match_millis, write_millis,
			started_at, finished_at
		FROM merge_run_stats
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run stats")
	}
	defer rows.Close()

	var out []model.MergeRunStats
	for rows.Next() {
		var st model.MergeRunStats
		var histJSON, perSourceJSON []byte
		if err := rows.Scan(&st.RunID, &st.DryRun, &st.Claimed, &st.Merged,
			&st.Created, &st.Reviewed, &st.Failed, &st.FastPath,
			&histJSON, &perSourceJSON, &st.ClaimMillis, &st.MatchMillis,
			&st.WriteMillis, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run stats")
		}
		if len(histJSON) > 0 {
			if err := json.Unmarshal(histJSON, &st.Histogram); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal histogram")
			}
		}
		if len(perSourceJSON) > 0 {
			if err := json.Unmarshal(perSourceJSON, &st.PerSource); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal per-source stats")
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// HasConvergeProcedure is the live-mode pre-flight: it checks that the
// transactional convergence function exists in the connected database.
func (s *PostgresStore) HasConvergeProcedure(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_proc WHERE proname = 'converge_one_canonical_key'
		)`).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check converge procedure")
	}
	return exists, nil
}

// ConvergeCanonicalKey delegates one duplicate group's mutation to the
// transactional stored function.
func (s *PostgresStore) ConvergeCanonicalKey(ctx context.Context, key string) (ConvergeCounters, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT converge_one_canonical_key($1)`, key).Scan(&payload)
	if err != nil {
		return ConvergeCounters{}, eris.Wrapf(err, "postgres: converge key %s", key)
	}

	var counters ConvergeCounters
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &counters); err != nil {
			return ConvergeCounters{}, eris.Wrap(err, "postgres: unmarshal converge counters")
		}
	}
	return counters, nil
}

type patchKV struct {
	col string
	val any
}

// sortedPatch gives a deterministic column order for generated SQL.
func sortedPatch(patch map[string]any) []patchKV {
	out := make([]patchKV, 0, len(patch))
	for col, val := range patch {
		out = append(out, patchKV{col, val})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].col > out[j].col; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
