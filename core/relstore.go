package core

// relstore.go - relational ledger store: a Postgres projection of the
// binary chain store, used for indexed queries the append-only file can't
// serve directly (range scans by address, mempool listings, node health
// history). One repository type per table family; migrations are embedded
// and tracked in schema_migrations.

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RelStoreConfig configures the Postgres connection pool.
type RelStoreConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          *logrus.Logger
}

// RelStore owns the database connection pool and exposes one repository
// per table family.
type RelStore struct {
	db     *sql.DB
	log    *logrus.Logger
	Blocks *BlockRepository
	Txs    *TransactionRepository
	Wallet *WalletRepository
	Vals   *ValidatorRepository
	Stake  *StakingRepository
	Pool   *MempoolRepository
	Nodes  *NodeRepository
	Sync   *SyncMonitoringRepository
	Config *ConfigRepository
}

// OpenRelStore opens a pooled Postgres connection and wires the
// repositories used by the rest of the node core.
func OpenRelStore(ctx context.Context, cfg RelStoreConfig) (*RelStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	rs := &RelStore{db: db, log: cfg.Logger}
	rs.Blocks = &BlockRepository{db: db}
	rs.Txs = &TransactionRepository{db: db}
	rs.Wallet = &WalletRepository{db: db}
	rs.Vals = &ValidatorRepository{db: db}
	rs.Stake = &StakingRepository{db: db}
	rs.Pool = &MempoolRepository{db: db}
	rs.Nodes = &NodeRepository{db: db}
	rs.Sync = &SyncMonitoringRepository{db: db}
	rs.Config = &ConfigRepository{db: db}
	return rs, nil
}

// DB returns the underlying pool for callers that need raw access.
func (rs *RelStore) DB() *sql.DB { return rs.db }

// Close releases the connection pool.
func (rs *RelStore) Close() error { return rs.db.Close() }

// Health reports the pool's live connection statistics.
func (rs *RelStore) Health(ctx context.Context) (sql.DBStats, error) {
	if err := rs.db.PingContext(ctx); err != nil {
		return sql.DBStats{}, err
	}
	return rs.db.Stats(), nil
}

type migration struct {
	version string
	sql     string
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, in lexical filename order, each inside its own
// transaction.
func (rs *RelStore) Migrate(ctx context.Context) error {
	migrations, err := readMigrations()
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	applied, err := rs.appliedMigrations(ctx)
	if err != nil {
		applied = map[string]bool{}
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := rs.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		rs.log.WithField("version", m.version).Info("applied database migration")
	}
	return nil
}

func readMigrations() ([]migration, error) {
	var out []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return err
		}
		version := strings.TrimSuffix(d.Name(), ".sql")
		out = append(out, migration{version: version, sql: string(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (rs *RelStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := rs.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (rs *RelStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	return tx.Commit()
}

// --- repositories -----------------------------------------------------

// BlockRepository projects accepted blocks into the `blocks` table.
type BlockRepository struct{ db *sql.DB }

// Insert records a block's header, keyed by its canonicalized hash.
func (r *BlockRepository) Insert(ctx context.Context, b *Block) error {
	hash := b.Hash()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocks (height, hash, prev_hash, merkle_root, state_root, proposer, timestamp, tx_count, sig)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (height) DO NOTHING`,
		b.Header.Height, hash.String(), b.Header.PrevHash.String(), b.Header.MerkleRoot.String(),
		b.Header.StateRoot.String(), b.Header.Proposer.String(), b.Header.Timestamp, len(b.Transactions), b.Header.Sig)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// HeaderAt returns the stored block header at height, including the
// proposer signature, so a full block can be reassembled from the
// relational side.
func (r *BlockRepository) HeaderAt(ctx context.Context, height uint64) (*BlockHeader, error) {
	var (
		h                               BlockHeader
		hash, prev, merkle, state, prop string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT hash, prev_hash, merkle_root, state_root, proposer, timestamp, sig
		FROM blocks WHERE height = $1`, height).
		Scan(&hash, &prev, &merkle, &state, &prop, &h.Timestamp, &h.Sig)
	if err == sql.ErrNoRows {
		return nil, Errf(ErrInvalidRequest, "no block at height %d", height)
	}
	if err != nil {
		return nil, err
	}
	h.Height = height
	if h.PrevHash, err = ParseHash(prev); err != nil {
		return nil, fmt.Errorf("stored prev_hash at height %d: %w", height, err)
	}
	if h.MerkleRoot, err = ParseHash(merkle); err != nil {
		return nil, fmt.Errorf("stored merkle_root at height %d: %w", height, err)
	}
	if h.StateRoot, err = ParseHash(state); err != nil {
		return nil, fmt.Errorf("stored state_root at height %d: %w", height, err)
	}
	if h.Proposer, err = ParseAddress(prop); err != nil {
		return nil, fmt.Errorf("stored proposer at height %d: %w", height, err)
	}
	return &h, nil
}

// HashAndMerkleAt returns the stored (hash, merkle_root) pair at height,
// used by cross-store sampling.
func (r *BlockRepository) HashAndMerkleAt(ctx context.Context, height uint64) (string, string, error) {
	var hash, merkle string
	err := r.db.QueryRowContext(ctx, `SELECT hash, merkle_root FROM blocks WHERE height = $1`, height).
		Scan(&hash, &merkle)
	if err == sql.ErrNoRows {
		return "", "", Errf(ErrInvalidRequest, "no block at height %d", height)
	}
	return hash, merkle, err
}

// HeightByHash returns the stored height for a normalized block hash.
func (r *BlockRepository) HeightByHash(ctx context.Context, hash string) (uint64, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return 0, Errf(ErrInvalidRequest, "parse hash: %w", err)
	}
	var height uint64
	err = r.db.QueryRowContext(ctx, `SELECT height FROM blocks WHERE hash = $1`, h.String()).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, Errf(ErrInvalidRequest, "block %s not found", h)
	}
	return height, err
}

// MaxHeight returns the highest recorded block height, or 0 if empty.
func (r *BlockRepository) MaxHeight(ctx context.Context) (uint64, error) {
	var height sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT max(height) FROM blocks`).Scan(&height); err != nil {
		return 0, err
	}
	if !height.Valid {
		return 0, nil
	}
	return uint64(height.Int64), nil
}

// TransactionRepository projects transactions into the `transactions` table.
type TransactionRepository struct{ db *sql.DB }

// Insert records a confirmed transaction.
func (r *TransactionRepository) Insert(ctx context.Context, blockHeight uint64, tx *Transaction) error {
	h := tx.Hash()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (hash, block_height, tx_type, from_addr, to_addr, value, nonce, gas_limit, gas_price, payload, sig, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (hash) DO NOTHING`,
		h.String(), blockHeight, tx.Type, tx.From.String(), tx.To.String(), tx.Value, tx.Nonce,
		tx.GasLimit, tx.GasPrice, tx.Payload, tx.Sig, tx.Timestamp)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ByBlockHeight returns every transaction confirmed in the block at
// height, in nonce order per sender.
func (r *TransactionRepository) ByBlockHeight(ctx context.Context, height uint64) ([]*Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tx_type, from_addr, to_addr, value, nonce, gas_limit, gas_price, payload, sig, timestamp
		FROM transactions
		WHERE block_height = $1
		ORDER BY from_addr, nonce`, height)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		var (
			tx       Transaction
			from, to string
		)
		if err := rows.Scan(&tx.Type, &from, &to, &tx.Value, &tx.Nonce,
			&tx.GasLimit, &tx.GasPrice, &tx.Payload, &tx.Sig, &tx.Timestamp); err != nil {
			return nil, err
		}
		if tx.From, err = ParseAddress(from); err != nil {
			return nil, fmt.Errorf("stored from_addr: %w", err)
		}
		if tx.To, err = ParseAddress(to); err != nil {
			return nil, fmt.Errorf("stored to_addr: %w", err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// ByAddress returns up to limit transaction hashes touching addr, newest
// block first.
func (r *TransactionRepository) ByAddress(ctx context.Context, addr string, limit int) ([]string, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, Errf(ErrInvalidRequest, "parse address: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT hash FROM transactions
		WHERE from_addr = $1 OR to_addr = $1
		ORDER BY block_height DESC
		LIMIT $2`, a.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// WalletRepository tracks account balances and nonces.
type WalletRepository struct{ db *sql.DB }

// Upsert writes the current balance/nonce for addr.
func (r *WalletRepository) Upsert(ctx context.Context, addr Address, balance uint64, nonce uint64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (address, balance, nonce, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address) DO UPDATE SET balance = $2, nonce = $3, updated_at = now()`,
		addr.String(), balance, nonce)
	return err
}

// Balance returns the stored balance for addr, 0 if unknown.
func (r *WalletRepository) Balance(ctx context.Context, addr Address) (uint64, error) {
	var bal uint64
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE address = $1`, addr.String()).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

// BalanceAndNonce returns the stored balance and nonce for addr, both 0 if
// the wallet has never been seen. Used as the producer/validator's
// WalletLookup callback for the scratch execution pass.
func (r *WalletRepository) BalanceAndNonce(ctx context.Context, addr Address) (balance uint64, nonce uint64, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT balance, nonce FROM wallets WHERE address = $1`, addr.String()).Scan(&balance, &nonce)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return balance, nonce, err
}

// ValidatorRepository tracks the active validator set.
type ValidatorRepository struct{ db *sql.DB }

// Upsert writes a validator's stake and active flag.
func (r *ValidatorRepository) Upsert(ctx context.Context, v Validator) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO validators (address, stake, active, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address) DO UPDATE SET stake = $2, active = $3, updated_at = now()`,
		v.Address.String(), v.Stake, v.Active)
	return err
}

// Active returns every validator currently marked active, ordered by stake
// descending so callers can use the slice directly for weighted selection.
func (r *ValidatorRepository) Active(ctx context.Context) ([]Validator, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT address, stake, active FROM validators WHERE active ORDER BY stake DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Validator
	for rows.Next() {
		var addrHex string
		var v Validator
		if err := rows.Scan(&addrHex, &v.Stake, &v.Active); err != nil {
			return nil, err
		}
		v.Address, err = ParseAddress(addrHex)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// StakingRepository tracks bonding/unbonding events.
type StakingRepository struct{ db *sql.DB }

// Record inserts a staking event row.
func (r *StakingRepository) Record(ctx context.Context, s StakingRecord) error {
	var unbonding interface{}
	if !s.UnbondingUntil.IsZero() {
		unbonding = s.UnbondingUntil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO staking (validator_address, amount, bonded_at, unbonding_until)
		VALUES ($1, $2, $3, $4)`,
		s.ValidatorAddress.String(), s.Amount, s.BondedAt, unbonding)
	return err
}

// MempoolRepository mirrors the in-memory mempool for external querying.
type MempoolRepository struct{ db *sql.DB }

// Upsert records a pending transaction's fee-ordering key.
func (r *MempoolRepository) Upsert(ctx context.Context, tx *Transaction) error {
	h := tx.Hash()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mempool (tx_hash, from_addr, nonce, fee, received_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tx_hash) DO NOTHING`,
		h.String(), tx.From.String(), tx.Nonce, tx.Fee())
	return err
}

// Remove deletes a transaction once it is included in a block or evicted.
func (r *MempoolRepository) Remove(ctx context.Context, hash Hash) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mempool WHERE tx_hash = $1`, hash.String())
	return err
}

// NodeRepository persists peer health snapshots.
type NodeRepository struct{ db *sql.DB }

// Upsert writes a peer's current health record.
func (r *NodeRepository) Upsert(ctx context.Context, n NodeRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes (id, address, last_seen, health_score, misses, circuit_open)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET address = $2, last_seen = $3, health_score = $4, misses = $5, circuit_open = $6`,
		n.ID, n.Address, n.LastSeen, n.HealthScore, n.Misses, n.CircuitOpen)
	return err
}

// SyncMonitoringRepository records sync session outcomes for operator
// visibility.
type SyncMonitoringRepository struct{ db *sql.DB }

// Start inserts a new in-progress sync session row and returns its id.
func (r *SyncMonitoringRepository) Start(ctx context.Context, peerID, strategy string, fromHeight uint64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sync_monitoring (peer_id, strategy, from_height)
		VALUES ($1, $2, $3)
		RETURNING id`, peerID, strategy, fromHeight).Scan(&id)
	return id, err
}

// Finish marks a sync session complete.
func (r *SyncMonitoringRepository) Finish(ctx context.Context, id int64, toHeight uint64, success bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_monitoring SET finished_at = now(), to_height = $2, success = $3 WHERE id = $1`,
		id, toHeight, success)
	return err
}

// Alert records a consensus or sync anomaly (a rejected block, a
// supermajority fork disagreement) for operator follow-up.
func (r *SyncMonitoringRepository) Alert(ctx context.Context, kind string, height uint64, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (kind, height, detail) VALUES ($1, $2, $3)`, kind, height, detail)
	return err
}

// ConfigRepository persists operator-tunable node config overrides.
type ConfigRepository struct{ db *sql.DB }

// Set writes a single config key/value pair.
func (r *ConfigRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO node_config (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`, key, value)
	return err
}

// Get reads a single config value, empty string if unset.
func (r *ConfigRepository) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM node_config WHERE key = $1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
