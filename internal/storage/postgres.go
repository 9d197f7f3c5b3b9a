package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/range-engine/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	} else {
		poolConfig.MaxConns = 25 // default
	}

	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	} else {
		poolConfig.MinConns = 5 // default
	}

	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	} else {
		poolConfig.MaxConnLifetime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateEvent creates a new event record
func (r *PostgresRepository) CreateEvent(ctx context.Context, e *models.Event) error {
	sharedJSON, err := json.Marshal(orEmptyMap(e.SharedFlags))
	if err != nil {
		return fmt.Errorf("failed to marshal shared flags: %w", err)
	}
	challengeJSON, err := json.Marshal(orEmptyIntMap(e.ChallengeIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal challenge IDs: %w", err)
	}

	query := `
		INSERT INTO events (name, title, blueprint, ctf_url, ctf_token, external_url, flag_format, vpn_enabled, vpn_subnet, vpn_server_key, vpn_server_public_key, world_ttl_seconds, shared_flags, challenge_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.pool.Exec(ctx, query,
		e.Name,
		nullString(e.Title),
		e.Blueprint,
		nullString(e.CTFURL),
		nullString(e.CTFToken),
		e.ExternalURL,
		nullString(e.FlagFormat),
		e.VPNEnabled,
		nullString(e.VPNSubnet),
		nullString(e.VPNServerKey),
		nullString(e.VPNServerPub),
		int64(e.WorldTTL/time.Second),
		sharedJSON,
		challengeJSON,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

const eventColumns = `name, title, blueprint, ctf_url, ctf_token, external_url, flag_format, vpn_enabled, vpn_subnet, vpn_server_key, vpn_server_public_key, world_ttl_seconds, shared_flags, challenge_ids, created_at`

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	var title, ctfURL, ctfToken, flagFormat, vpnSubnet sql.NullString
	var serverKey, serverPub sql.NullString
	var ttlSeconds int64
	var sharedJSON, challengeJSON []byte

	err := row.Scan(
		&e.Name,
		&title,
		&e.Blueprint,
		&ctfURL,
		&ctfToken,
		&e.ExternalURL,
		&flagFormat,
		&e.VPNEnabled,
		&vpnSubnet,
		&serverKey,
		&serverPub,
		&ttlSeconds,
		&sharedJSON,
		&challengeJSON,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Title = title.String
	e.CTFURL = ctfURL.String
	e.CTFToken = ctfToken.String
	e.FlagFormat = flagFormat.String
	e.VPNSubnet = vpnSubnet.String
	e.VPNServerKey = serverKey.String
	e.VPNServerPub = serverPub.String
	e.WorldTTL = time.Duration(ttlSeconds) * time.Second

	if err := json.Unmarshal(sharedJSON, &e.SharedFlags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shared flags: %w", err)
	}
	if err := json.Unmarshal(challengeJSON, &e.ChallengeIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge IDs: %w", err)
	}

	return &e, nil
}

// GetEvent retrieves an event by name
func (r *PostgresRepository) GetEvent(ctx context.Context, name string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE name = $1`

	e, err := scanEvent(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	return e, nil
}

// UpdateEvent updates an existing event
func (r *PostgresRepository) UpdateEvent(ctx context.Context, e *models.Event) error {
	sharedJSON, err := json.Marshal(orEmptyMap(e.SharedFlags))
	if err != nil {
		return fmt.Errorf("failed to marshal shared flags: %w", err)
	}
	challengeJSON, err := json.Marshal(orEmptyIntMap(e.ChallengeIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal challenge IDs: %w", err)
	}

	query := `
		UPDATE events
		SET title = $2, ctf_url = $3, ctf_token = $4, external_url = $5, flag_format = $6, vpn_enabled = $7, vpn_subnet = $8, vpn_server_key = $9, vpn_server_public_key = $10, world_ttl_seconds = $11, shared_flags = $12, challenge_ids = $13
		WHERE name = $1
	`

	result, err := r.pool.Exec(ctx, query,
		e.Name,
		nullString(e.Title),
		nullString(e.CTFURL),
		nullString(e.CTFToken),
		e.ExternalURL,
		nullString(e.FlagFormat),
		e.VPNEnabled,
		nullString(e.VPNSubnet),
		nullString(e.VPNServerKey),
		nullString(e.VPNServerPub),
		int64(e.WorldTTL/time.Second),
		sharedJSON,
		challengeJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", e.Name)
	}

	return nil
}

// ListEvents returns all registered events
func (r *PostgresRepository) ListEvents(ctx context.Context) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// DeleteEvent deletes an event by name. Worlds are cascade deleted.
func (r *PostgresRepository) DeleteEvent(ctx context.Context, name string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM events WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", name)
	}
	return nil
}

// EnsureSharedFlag records candidate as the event-wide flag for the
// challenge in a single statement, so concurrent world creations
// converge on one value. The recorded flag is returned.
func (r *PostgresRepository) EnsureSharedFlag(ctx context.Context, eventName, challengeSlug, candidate string) (string, error) {
	query := `
		UPDATE events
		SET shared_flags = CASE
			WHEN shared_flags ? $2 THEN shared_flags
			ELSE jsonb_set(shared_flags, ARRAY[$2], to_jsonb($3::text))
		END
		WHERE name = $1
		RETURNING shared_flags->>$2
	`

	var winner string
	if err := r.pool.QueryRow(ctx, query, eventName, challengeSlug, candidate).Scan(&winner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("event not found: %s", eventName)
		}
		return "", fmt.Errorf("failed to ensure shared flag: %w", err)
	}

	return winner, nil
}

// CreateWorld creates a new world record
func (r *PostgresRepository) CreateWorld(ctx context.Context, w *models.World) error {
	flagsJSON, portsJSON, peerJSON, servicesJSON, err := marshalWorldState(w)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO worlds (id, event_name, identity, status, status_message, failed_stage, created_at, started_at, flags, ports, peer, services)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.pool.Exec(ctx, query,
		w.ID,
		w.EventName,
		w.Identity,
		string(w.Status),
		nullString(w.StatusMsg),
		nullString(w.FailedStage),
		w.CreatedAt,
		nullTime(w.StartedAt),
		flagsJSON,
		portsJSON,
		peerJSON,
		servicesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to create world: %w", err)
	}

	return nil
}

const worldColumns = `id, event_name, identity, status, status_message, failed_stage, created_at, started_at, flags, ports, peer, services`

func scanWorld(row pgx.Row) (*models.World, error) {
	var w models.World
	var statusStr string
	var statusMsg, failedStage sql.NullString
	var startedAt sql.NullTime
	var flagsJSON, portsJSON, peerJSON, servicesJSON []byte

	err := row.Scan(
		&w.ID,
		&w.EventName,
		&w.Identity,
		&statusStr,
		&statusMsg,
		&failedStage,
		&w.CreatedAt,
		&startedAt,
		&flagsJSON,
		&portsJSON,
		&peerJSON,
		&servicesJSON,
	)
	if err != nil {
		return nil, err
	}

	w.Status = models.WorldStatus(statusStr)
	w.StatusMsg = statusMsg.String
	w.FailedStage = failedStage.String
	if startedAt.Valid {
		w.StartedAt = &startedAt.Time
	}

	if err := json.Unmarshal(flagsJSON, &w.Flags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	if err := json.Unmarshal(portsJSON, &w.Ports); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ports: %w", err)
	}
	if len(peerJSON) > 0 && string(peerJSON) != "null" {
		var rec peerRecord
		if err := json.Unmarshal(peerJSON, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal peer: %w", err)
		}
		w.Peer = &models.WireguardPeer{
			PrivateKey:      rec.PrivateKey,
			PublicKey:       rec.PublicKey,
			Address:         rec.Address,
			ServerPublicKey: rec.ServerPublicKey,
			ServerEndpoint:  rec.ServerEndpoint,
			Config:          rec.Config,
		}
	}
	if err := json.Unmarshal(servicesJSON, &w.Services); err != nil {
		return nil, fmt.Errorf("failed to unmarshal services: %w", err)
	}

	return &w, nil
}

// GetWorld retrieves a world by event and identity
func (r *PostgresRepository) GetWorld(ctx context.Context, eventName, identity string) (*models.World, error) {
	query := `SELECT ` + worldColumns + ` FROM worlds WHERE event_name = $1 AND identity = $2`

	w, err := scanWorld(r.pool.QueryRow(ctx, query, eventName, identity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get world: %w", err)
	}

	return w, nil
}

// UpdateWorld updates an existing world
func (r *PostgresRepository) UpdateWorld(ctx context.Context, w *models.World) error {
	flagsJSON, portsJSON, peerJSON, servicesJSON, err := marshalWorldState(w)
	if err != nil {
		return err
	}

	query := `
		UPDATE worlds
		SET status = $2, status_message = $3, failed_stage = $4, started_at = $5, flags = $6, ports = $7, peer = $8, services = $9
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		w.ID,
		string(w.Status),
		nullString(w.StatusMsg),
		nullString(w.FailedStage),
		nullTime(w.StartedAt),
		flagsJSON,
		portsJSON,
		peerJSON,
		servicesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update world: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("world not found: %s", w.ID)
	}

	return nil
}

// DeleteWorld deletes a world by event and identity
func (r *PostgresRepository) DeleteWorld(ctx context.Context, eventName, identity string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM worlds WHERE event_name = $1 AND identity = $2`, eventName, identity)
	if err != nil {
		return fmt.Errorf("failed to delete world: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("world not found: %s/%s", eventName, identity)
	}
	return nil
}

// ListWorlds returns worlds matching filters
func (r *PostgresRepository) ListWorlds(ctx context.Context, filters models.ListFilters) ([]*models.World, error) {
	query := `SELECT ` + worldColumns + ` FROM worlds WHERE 1=1`
	args := make([]interface{}, 0)
	argNum := 1

	if filters.EventName != "" {
		query += fmt.Sprintf(" AND event_name = $%d", argNum)
		args = append(args, filters.EventName)
		argNum++
	}

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filters.Status))
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
		argNum++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filters.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list worlds: %w", err)
	}
	defer rows.Close()

	var worlds []*models.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan world: %w", err)
		}
		worlds = append(worlds, w)
	}

	return worlds, rows.Err()
}

// GetExpiredWorlds returns worlds older than their event's TTL
func (r *PostgresRepository) GetExpiredWorlds(ctx context.Context) ([]*models.World, error) {
	query := `
		SELECT ` + qualify(worldColumns, "w") + `
		FROM worlds w
		JOIN events e ON w.event_name = e.name
		WHERE e.world_ttl_seconds > 0
		  AND w.created_at + make_interval(secs => e.world_ttl_seconds) < NOW()
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get expired worlds: %w", err)
	}
	defer rows.Close()

	var worlds []*models.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan world: %w", err)
		}
		worlds = append(worlds, w)
	}

	return worlds, rows.Err()
}

// Helpers

// peerRecord is the storage form of a WireguardPeer. The rendered
// client config is durable state even though world API responses never
// carry it; the wireguard config endpoint must survive a restart.
type peerRecord struct {
	PrivateKey      string `json:"private_key"`
	PublicKey       string `json:"public_key"`
	Address         string `json:"address"`
	ServerPublicKey string `json:"server_public_key"`
	ServerEndpoint  string `json:"server_endpoint"`
	Config          string `json:"config"`
}

func marshalWorldState(w *models.World) (flags, ports, peer, services []byte, err error) {
	if flags, err = json.Marshal(orEmptyMap(w.Flags)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal flags: %w", err)
	}
	if ports, err = json.Marshal(orEmptyIntMap(w.Ports)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal ports: %w", err)
	}
	var rec *peerRecord
	if w.Peer != nil {
		rec = &peerRecord{
			PrivateKey:      w.Peer.PrivateKey,
			PublicKey:       w.Peer.PublicKey,
			Address:         w.Peer.Address,
			ServerPublicKey: w.Peer.ServerPublicKey,
			ServerEndpoint:  w.Peer.ServerEndpoint,
			Config:          w.Peer.Config,
		}
	}
	if peer, err = json.Marshal(rec); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal peer: %w", err)
	}
	if w.Services == nil {
		services = []byte("{}")
	} else if services, err = json.Marshal(w.Services); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal services: %w", err)
	}
	return flags, ports, peer, services, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyIntMap(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

// qualify prefixes each column in a comma-separated list with an alias
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ", ")
	for i, col := range parts {
		parts[i] = alias + "." + col
	}
	return strings.Join(parts, ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
