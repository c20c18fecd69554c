package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Swap persistence errors.
var (
	ErrSwapNotFound = errors.New("swap not found")
	ErrSwapExists   = errors.New("swap already exists")
)

// SwapRecord is the flattened form of a swap: its identifying fields plus
// the ordered event log.
type SwapRecord struct {
	UUID     string
	SwapType string
	Version  int

	MakerCoin    string
	TakerCoin    string
	MakerVolume  decimal.Decimal
	TakerVolume  decimal.Decimal
	TakerPremium decimal.Decimal
	DexFee       decimal.Decimal
	DexFeeBurn   decimal.Decimal

	StartedAt    int64
	LockDuration uint64

	MakerCoinConfs uint64
	MakerCoinNota  bool
	TakerCoinConfs uint64
	TakerCoinNota  bool

	Secret         []byte
	SecretHash     []byte
	SecretHashAlgo uint8

	OtherPubkey []byte
	Params      json.RawMessage

	IsFinished bool
	CreatedAt  time.Time
	FinishedAt time.Time

	Events []*EventRecord
}

// EventRecord is one entry of a swap's event log.
type EventRecord struct {
	Seq       int64
	Type      string
	Data      json.RawMessage
	Terminal  bool
	CreatedAt time.Time
}

// LastEvent returns the most recent event or nil.
func (r *SwapRecord) LastEvent() *EventRecord {
	if len(r.Events) == 0 {
		return nil
	}
	return r.Events[len(r.Events)-1]
}

const swapColumns = `uuid, swap_type, version, maker_coin, taker_coin,
	maker_volume, taker_volume, taker_premium, dex_fee, dex_fee_burn,
	started_at, lock_duration,
	maker_coin_confs, maker_coin_nota, taker_coin_confs, taker_coin_nota,
	secret, secret_hash, secret_hash_algo, other_pubkey, params,
	is_finished, created_at, finished_at`

// StoreRepr inserts a new swap. It fails with ErrSwapExists if the uuid is
// already known.
func (s *Storage) StoreRepr(rec *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	params := rec.Params
	if params == nil {
		params = json.RawMessage("{}")
	}

	_, err := s.db.Exec(`INSERT INTO swaps (`+swapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UUID, rec.SwapType, rec.Version, rec.MakerCoin, rec.TakerCoin,
		rec.MakerVolume, rec.TakerVolume, rec.TakerPremium, rec.DexFee, rec.DexFeeBurn,
		rec.StartedAt, rec.LockDuration,
		rec.MakerCoinConfs, boolToInt(rec.MakerCoinNota), rec.TakerCoinConfs, boolToInt(rec.TakerCoinNota),
		rec.Secret, rec.SecretHash, rec.SecretHashAlgo, rec.OtherPubkey, string(params),
		boolToInt(rec.IsFinished), rec.CreatedAt.Unix(), timeToUnixOrZero(rec.FinishedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", ErrSwapExists, rec.UUID)
		}
		return fmt.Errorf("failed to insert swap: %w", err)
	}
	return nil
}

// StoreEvent appends an event to a swap's log and returns its sequence
// number. The append runs in a transaction so readers never observe a
// partially written log.
func (s *Storage) StoreEvent(uuid string, ev *EventRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM swaps WHERE uuid = ?", uuid).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSwapNotFound, uuid)
	}

	var seq int64
	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM swap_events WHERE uuid = ?", uuid).Scan(&seq); err != nil {
		return 0, err
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err = tx.Exec(
		"INSERT INTO swap_events (uuid, seq, event_type, data, terminal, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		uuid, seq, ev.Type, string(ev.Data), boolToInt(ev.Terminal), ev.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}

	ev.Seq = seq
	return seq, nil
}

// GetRepr returns a swap with its full ordered event log.
func (s *Storage) GetRepr(uuid string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanSwapRecord(s.db.QueryRow("SELECT "+swapColumns+" FROM swaps WHERE uuid = ?", uuid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, uuid)
		}
		return nil, err
	}

	rows, err := s.db.Query(
		"SELECT seq, event_type, data, terminal, created_at FROM swap_events WHERE uuid = ? ORDER BY seq ASC",
		uuid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ev EventRecord
		var data string
		var terminal int
		var createdAt int64
		if err := rows.Scan(&ev.Seq, &ev.Type, &data, &terminal, &createdAt); err != nil {
			return nil, err
		}
		ev.Data = json.RawMessage(data)
		ev.Terminal = terminal == 1
		ev.CreatedAt = time.Unix(createdAt, 0)
		rec.Events = append(rec.Events, &ev)
	}
	return rec, rows.Err()
}

// HasRecordFor reports whether a swap with uuid exists.
func (s *Storage) HasRecordFor(uuid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM swaps WHERE uuid = ?", uuid).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetUnfinished returns the uuids of swaps that are not marked finished and
// whose last event is not terminal, oldest first.
func (s *Storage) GetUnfinished() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT s.uuid FROM swaps s
		WHERE s.is_finished = 0
		AND COALESCE((
			SELECT e.terminal FROM swap_events e
			WHERE e.uuid = s.uuid
			ORDER BY e.seq DESC LIMIT 1
		), 0) = 0
		ORDER BY s.started_at ASC, s.created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uuids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		uuids = append(uuids, id)
	}
	return uuids, rows.Err()
}

// MarkFinished flags a swap as finished. Calling it again is a no-op.
func (s *Storage) MarkFinished(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE swaps SET is_finished = 1, finished_at = COALESCE(NULLIF(finished_at, 0), ?) WHERE uuid = ?",
		time.Now().Unix(), uuid,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, uuid)
	}
	return nil
}

// ListSwaps returns swaps without their events, most recent first.
func (s *Storage) ListSwaps(limit int) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + swapColumns + " FROM swaps ORDER BY started_at DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SwapRecord
	for rows.Next() {
		rec, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwapRecord(row rowScanner) (*SwapRecord, error) {
	var rec SwapRecord
	var makerNota, takerNota, finished int
	var params sql.NullString
	var createdAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(
		&rec.UUID, &rec.SwapType, &rec.Version, &rec.MakerCoin, &rec.TakerCoin,
		&rec.MakerVolume, &rec.TakerVolume, &rec.TakerPremium, &rec.DexFee, &rec.DexFeeBurn,
		&rec.StartedAt, &rec.LockDuration,
		&rec.MakerCoinConfs, &makerNota, &rec.TakerCoinConfs, &takerNota,
		&rec.Secret, &rec.SecretHash, &rec.SecretHashAlgo, &rec.OtherPubkey, &params,
		&finished, &createdAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.MakerCoinNota = makerNota == 1
	rec.TakerCoinNota = takerNota == 1
	rec.IsFinished = finished == 1
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.FinishedAt = unixOrZeroToTime(finishedAt.Int64)
	if params.Valid {
		rec.Params = json.RawMessage(params.String)
	}
	return &rec, nil
}
