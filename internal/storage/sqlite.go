package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS media_items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		type TEXT NOT NULL,
		year INTEGER,
		source TEXT NOT NULL DEFAULT '',
		media_path TEXT NOT NULL DEFAULT '',
		parent_folder TEXT NOT NULL DEFAULT '',
		size_on_disk INTEGER NOT NULL DEFAULT 0,
		date_added DATETIME,
		date_added_emby DATETIME,
		date_added_arr DATETIME,
		last_watched DATETIME,
		watch_count INTEGER NOT NULL DEFAULT 0,
		tmdb_id INTEGER,
		tvdb_id INTEGER,
		imdb_id TEXT,
		sonarr_id INTEGER,
		radarr_id INTEGER,
		emby_id TEXT,
		quality TEXT,
		quality_score INTEGER,
		monitored BOOLEAN,
		episodes_on_disk INTEGER,
		total_episodes INTEGER,
		season_count INTEGER,
		completion_percentage INTEGER,
		runtime INTEGER,
		size_per_hour REAL,
		imdb_rating REAL,
		tmdb_rating REAL,
		genres TEXT NOT NULL DEFAULT '[]',
		overview TEXT,
		deletion_score REAL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_media_score ON media_items(deletion_score DESC);
	CREATE INDEX IF NOT EXISTS idx_media_type ON media_items(type);
	CREATE INDEX IF NOT EXISTS idx_media_source ON media_items(source);

	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS progress_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		phase TEXT NOT NULL,
		current INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		current_item TEXT NOT NULL DEFAULT '',
		percentage REAL NOT NULL DEFAULT 0,
		is_complete BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_progress_created ON progress_runs(created_at DESC);

	CREATE TABLE IF NOT EXISTS run_locks (
		slot TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		acquired_at DATETIME NOT NULL,
		heartbeat_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Media Items

const mediaColumns = `
	id, title, type, year, source, media_path, parent_folder, size_on_disk,
	date_added, date_added_emby, date_added_arr, last_watched, watch_count,
	tmdb_id, tvdb_id, imdb_id, sonarr_id, radarr_id, emby_id,
	quality, quality_score, monitored, episodes_on_disk, total_episodes, season_count,
	completion_percentage, runtime, size_per_hour, imdb_rating, tmdb_rating,
	genres, overview, deletion_score, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMediaItem(row rowScanner) (*MediaItem, error) {
	var m MediaItem
	var genres string
	var createdAt, updatedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Title, &m.Type, &m.Year, &m.Source, &m.MediaPath, &m.ParentFolder, &m.SizeOnDisk,
		&m.DateAdded, &m.DateAddedEmby, &m.DateAddedArr, &m.LastWatched, &m.WatchCount,
		&m.TmdbID, &m.TvdbID, &m.ImdbID, &m.SonarrID, &m.RadarrID, &m.EmbyID,
		&m.Quality, &m.QualityScore, &m.Monitored, &m.EpisodesOnDisk, &m.TotalEpisodes, &m.SeasonCount,
		&m.CompletionPercentage, &m.Runtime, &m.SizePerHour, &m.ImdbRating, &m.TmdbRating,
		&genres, &m.Overview, &m.DeletionScore, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if genres != "" {
		if err := json.Unmarshal([]byte(genres), &m.Genres); err != nil {
			return nil, fmt.Errorf("decode genres for %s: %w", m.ID, err)
		}
	}
	if m.Genres == nil {
		m.Genres = []string{}
	}
	if createdAt.Valid {
		m.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		m.UpdatedAt = updatedAt.Time
	}

	return &m, nil
}

func scanMediaRows(rows *sql.Rows) ([]MediaItem, error) {
	defer rows.Close()

	var items []MediaItem
	for rows.Next() {
		m, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *m)
	}

	return items, rows.Err()
}

func (s *SQLiteStorage) GetMediaItem(ctx context.Context, id string) (*MediaItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_items WHERE id = ?`, id)

	m, err := scanMediaItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}

// GetMediaItemsWithScores returns stored items ordered by deletion score, highest first.
// Items without a computed score sort last.
func (s *SQLiteStorage) GetMediaItemsWithScores(ctx context.Context, filter MediaFilter) ([]MediaItem, error) {
	query := `SELECT ` + mediaColumns + ` FROM media_items`
	var args []any

	if filter.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, filter.Type)
	}

	query += ` ORDER BY deletion_score IS NULL, deletion_score DESC, title`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return scanMediaRows(rows)
}

// ListMediaItems returns every stored item in id order.
func (s *SQLiteStorage) ListMediaItems(ctx context.Context) ([]MediaItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mediaColumns+` FROM media_items ORDER BY id`)
	if err != nil {
		return nil, err
	}

	return scanMediaRows(rows)
}

func (s *SQLiteStorage) CountMediaItems(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media_items").Scan(&count)
	return count, err
}

// UpsertMediaItems writes the items in a single transaction.
func (s *SQLiteStorage) UpsertMediaItems(ctx context.Context, items []MediaItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO media_items (`+mediaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			year = excluded.year,
			source = excluded.source,
			media_path = excluded.media_path,
			parent_folder = excluded.parent_folder,
			size_on_disk = excluded.size_on_disk,
			date_added = excluded.date_added,
			date_added_emby = excluded.date_added_emby,
			date_added_arr = excluded.date_added_arr,
			last_watched = excluded.last_watched,
			watch_count = excluded.watch_count,
			tmdb_id = excluded.tmdb_id,
			tvdb_id = excluded.tvdb_id,
			imdb_id = excluded.imdb_id,
			sonarr_id = excluded.sonarr_id,
			radarr_id = excluded.radarr_id,
			emby_id = excluded.emby_id,
			quality = excluded.quality,
			quality_score = excluded.quality_score,
			monitored = excluded.monitored,
			episodes_on_disk = excluded.episodes_on_disk,
			total_episodes = excluded.total_episodes,
			season_count = excluded.season_count,
			completion_percentage = excluded.completion_percentage,
			runtime = excluded.runtime,
			size_per_hour = excluded.size_per_hour,
			imdb_rating = excluded.imdb_rating,
			tmdb_rating = excluded.tmdb_rating,
			genres = excluded.genres,
			overview = excluded.overview,
			deletion_score = excluded.deletion_score,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range items {
		m := &items[i]

		genres := m.Genres
		if genres == nil {
			genres = []string{}
		}
		genresJSON, err := json.Marshal(genres)
		if err != nil {
			return fmt.Errorf("encode genres for %s: %w", m.ID, err)
		}

		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		if _, err := stmt.ExecContext(ctx,
			m.ID, m.Title, string(m.Type), m.Year, m.Source, m.MediaPath, m.ParentFolder, m.SizeOnDisk,
			m.DateAdded, m.DateAddedEmby, m.DateAddedArr, m.LastWatched, m.WatchCount,
			m.TmdbID, m.TvdbID, m.ImdbID, m.SonarrID, m.RadarrID, m.EmbyID,
			m.Quality, m.QualityScore, m.Monitored, m.EpisodesOnDisk, m.TotalEpisodes, m.SeasonCount,
			m.CompletionPercentage, m.Runtime, m.SizePerHour, m.ImdbRating, m.TmdbRating,
			string(genresJSON), m.Overview, m.DeletionScore, createdAt, now,
		); err != nil {
			return fmt.Errorf("upsert media item %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// GetAllMediaSources returns the source of every stored item keyed by id.
func (s *SQLiteStorage) GetAllMediaSources(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, source FROM media_items")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make(map[string]string)
	for rows.Next() {
		var id, source string
		if err := rows.Scan(&id, &source); err != nil {
			return nil, err
		}
		sources[id] = source
	}
	return sources, rows.Err()
}

// DeleteStaleMediaItems removes every stored item whose id is not in keepIDs.
func (s *SQLiteStorage) DeleteStaleMediaItems(ctx context.Context, keepIDs []string) (int64, error) {
	keep := make(map[string]struct{}, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = struct{}{}
	}

	existing, err := s.GetAllMediaSources(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var deleted int64
	for id := range existing {
		if _, ok := keep[id]; ok {
			continue
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM media_items WHERE id = ?", id)
		if err != nil {
			return 0, fmt.Errorf("delete stale media item %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return deleted, nil
}

// ClearMediaItems removes every stored media item.
func (s *SQLiteStorage) ClearMediaItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM media_items")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MediaStats aggregates stored items per media type.
func (s *SQLiteStorage) MediaStats(ctx context.Context) ([]MediaStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*), COALESCE(SUM(size_on_disk), 0),
			COUNT(deletion_score), COALESCE(AVG(deletion_score), 0)
		FROM media_items
		GROUP BY type
		ORDER BY type
	`)
	if err != nil {
		return nil, fmt.Errorf("query media stats: %w", err)
	}
	defer rows.Close()

	var stats []MediaStat
	for rows.Next() {
		var st MediaStat
		if err := rows.Scan(&st.Type, &st.Count, &st.SizeOnDisk, &st.Scored, &st.AverageScore); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
