package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/aims-io/aims/pkg/types"
)

// PostgresStore implements Store on PostgreSQL via database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("database connection is nil")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

const agentColumns = `id, name, description, owner, status, agent_type, metadata_json,
	created_at, updated_at, suspended_at, revoked_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*types.Agent, error) {
	agent := &types.Agent{}
	err := row.Scan(
		&agent.ID, &agent.Name, &agent.Description, &agent.Owner, &agent.Status,
		&agent.AgentType, &agent.MetadataJSON, &agent.CreatedAt, &agent.UpdatedAt,
		&agent.SuspendedAt, &agent.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.Name, agent.Description, agent.Owner, agent.Status,
		agent.AgentType, agent.MetadataJSON, agent.CreatedAt, agent.UpdatedAt,
		agent.SuspendedAt, agent.RevokedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return scanAgent(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetAgentByName(ctx context.Context, name string) (*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE name = $1`
	return scanAgent(s.db.QueryRowContext(ctx, query, name))
}

func (s *PostgresStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}
	if filter.AgentType != "" {
		args = append(args, filter.AgentType)
		query += fmt.Sprintf(" AND agent_type = $%d", len(args))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*types.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	query := `
		UPDATE agents
		SET name = $2, description = $3, owner = $4, status = $5, agent_type = $6,
		    metadata_json = $7, updated_at = $8, suspended_at = $9, revoked_at = $10
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.Name, agent.Description, agent.Owner, agent.Status,
		agent.AgentType, agent.MetadataJSON, agent.UpdatedAt,
		agent.SuspendedAt, agent.RevokedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRows(result)
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireRows(result)
}

func (s *PostgresStore) RevokeAgentCascade(ctx context.Context, id string, now string) (*types.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE agents
		SET status = $2, revoked_at = $3, updated_at = $3
		WHERE id = $1
	`, id, types.AgentStatusRevoked, now)
	if err != nil {
		return nil, fmt.Errorf("revoke agent: %w", err)
	}
	if err := requireRows(result); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE api_keys
		SET status = $2, revoked_at = $3
		WHERE agent_id = $1 AND status = $4
	`, id, types.KeyStatusRevoked, now, types.KeyStatusActive)
	if err != nil {
		return nil, fmt.Errorf("cascade key revocation: %w", err)
	}

	agent, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return agent, nil
}

const keyColumns = `id, agent_id, key_prefix, key_hash, name, status, expires_at,
	created_at, rotated_at, revoked_at, last_used_at`

func scanKey(row interface{ Scan(...interface{}) error }) (*types.APIKey, error) {
	key := &types.APIKey{}
	err := row.Scan(
		&key.ID, &key.AgentID, &key.KeyPrefix, &key.KeyHash, &key.Name, &key.Status,
		&key.ExpiresAt, &key.CreatedAt, &key.RotatedAt, &key.RevokedAt, &key.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	return key, nil
}

const insertKeyQuery = `
	INSERT INTO api_keys (id, agent_id, key_prefix, key_hash, name, status, expires_at,
		created_at, rotated_at, revoked_at, last_used_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

func (s *PostgresStore) CreateKey(ctx context.Context, key *types.APIKey) error {
	_, err := s.db.ExecContext(ctx, insertKeyQuery,
		key.ID, key.AgentID, key.KeyPrefix, key.KeyHash, key.Name, key.Status,
		key.ExpiresAt, key.CreatedAt, key.RotatedAt, key.RevokedAt, key.LastUsedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKey(ctx context.Context, id string) (*types.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE id = $1`
	return scanKey(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE key_hash = $1`
	return scanKey(s.db.QueryRowContext(ctx, query, keyHash))
}

func (s *PostgresStore) ListKeys(ctx context.Context, agentID string) ([]*types.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE agent_id = $1 ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*types.APIKey, 0)
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

const updateKeyQuery = `
	UPDATE api_keys
	SET name = $2, status = $3, expires_at = $4, rotated_at = $5,
	    revoked_at = $6, last_used_at = $7
	WHERE id = $1
`

func (s *PostgresStore) UpdateKey(ctx context.Context, key *types.APIKey) error {
	result, err := s.db.ExecContext(ctx, updateKeyQuery,
		key.ID, key.Name, key.Status, key.ExpiresAt,
		key.RotatedAt, key.RevokedAt, key.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return requireRows(result)
}

func (s *PostgresStore) RotateKey(ctx context.Context, oldKey, newKey *types.APIKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, updateKeyQuery,
		oldKey.ID, oldKey.Name, oldKey.Status, oldKey.ExpiresAt,
		oldKey.RotatedAt, oldKey.RevokedAt, oldKey.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("mark key rotated: %w", err)
	}
	if err := requireRows(result); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, insertKeyQuery,
		newKey.ID, newKey.AgentID, newKey.KeyPrefix, newKey.KeyHash, newKey.Name,
		newKey.Status, newKey.ExpiresAt, newKey.CreatedAt, newKey.RotatedAt,
		newKey.RevokedAt, newKey.LastUsedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert replacement key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCapability(ctx context.Context, cap *types.Capability) error {
	query := `INSERT INTO capabilities (id, name, description, created_at) VALUES ($1, $2, $3, $4)`
	_, err := s.db.ExecContext(ctx, query, cap.ID, cap.Name, cap.Description, cap.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert capability: %w", err)
	}
	return nil
}

func scanCapability(row interface{ Scan(...interface{}) error }) (*types.Capability, error) {
	cap := &types.Capability{}
	err := row.Scan(&cap.ID, &cap.Name, &cap.Description, &cap.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan capability: %w", err)
	}
	return cap, nil
}

func (s *PostgresStore) GetCapability(ctx context.Context, id string) (*types.Capability, error) {
	query := `SELECT id, name, description, created_at FROM capabilities WHERE id = $1`
	return scanCapability(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetCapabilityByName(ctx context.Context, name string) (*types.Capability, error) {
	query := `SELECT id, name, description, created_at FROM capabilities WHERE name = $1`
	return scanCapability(s.db.QueryRowContext(ctx, query, name))
}

func (s *PostgresStore) ListCapabilities(ctx context.Context) ([]*types.Capability, error) {
	query := `SELECT id, name, description, created_at FROM capabilities ORDER BY created_at, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	defer rows.Close()

	caps := make([]*types.Capability, 0)
	for rows.Next() {
		cap, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		caps = append(caps, cap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capabilities: %w", err)
	}
	return caps, nil
}

func (s *PostgresStore) CreateGrant(ctx context.Context, grant *types.AgentCapability) error {
	query := `
		INSERT INTO agent_capabilities (id, agent_id, capability_id, granted_at, granted_by)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		grant.ID, grant.AgentID, grant.CapabilityID, grant.GrantedAt, grant.GrantedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, agentID, capabilityID string) (*types.AgentCapability, error) {
	query := `
		SELECT id, agent_id, capability_id, granted_at, granted_by
		FROM agent_capabilities
		WHERE agent_id = $1 AND capability_id = $2
	`
	grant := &types.AgentCapability{}
	err := s.db.QueryRowContext(ctx, query, agentID, capabilityID).Scan(
		&grant.ID, &grant.AgentID, &grant.CapabilityID, &grant.GrantedAt, &grant.GrantedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan grant: %w", err)
	}
	return grant, nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, agentID, capabilityID string) error {
	query := `DELETE FROM agent_capabilities WHERE agent_id = $1 AND capability_id = $2`
	result, err := s.db.ExecContext(ctx, query, agentID, capabilityID)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return requireRows(result)
}

func (s *PostgresStore) ListAgentScopes(ctx context.Context, agentID string) ([]string, error) {
	query := `
		SELECT c.name
		FROM agent_capabilities ac
		JOIN capabilities c ON c.id = ac.capability_id
		WHERE ac.agent_id = $1
		ORDER BY c.name
	`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query agent scopes: %w", err)
	}
	defer rows.Close()

	scopes := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scopes: %w", err)
	}
	return scopes, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *types.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, timestamp, agent_id, action, resource_type,
			resource_id, details_json, ip_address, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Timestamp, entry.AgentID, entry.Action, entry.ResourceType,
		entry.ResourceID, entry.DetailsJSON, entry.IPAddress, entry.Success,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]*types.AuditLog, error) {
	query := `
		SELECT id, timestamp, agent_id, action, resource_type, resource_id,
		       details_json, ip_address, success
		FROM audit_logs WHERE 1=1
	`
	args := []interface{}{}

	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if filter.ResourceType != "" {
		args = append(args, filter.ResourceType)
		query += fmt.Sprintf(" AND resource_type = $%d", len(args))
	}
	if filter.StartDate != "" {
		args = append(args, filter.StartDate)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if filter.EndDate != "" {
		args = append(args, filter.EndDate)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*types.AuditLog, 0)
	for rows.Next() {
		entry := &types.AuditLog{}
		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.AgentID, &entry.Action, &entry.ResourceType,
			&entry.ResourceID, &entry.DetailsJSON, &entry.IPAddress, &entry.Success,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func requireRows(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
