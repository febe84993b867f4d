package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/bridgepool/internal/bridge"
	"github.com/bardlex/bridgepool/internal/payout"
	"github.com/bardlex/bridgepool/internal/rewards"
	"github.com/bardlex/bridgepool/pkg/errors"
)

var (
	_ bridge.Store  = (*TransferRepository)(nil)
	_ rewards.Store = (*PeriodRepository)(nil)
	_ payout.Store  = (*PayoutRepository)(nil)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// closeRows closes rows, ignoring the error
func closeRows(rows *sql.Rows) {
	_ = rows.Close()
}

// TransferRepository implements bridge.Store.
type TransferRepository struct {
	db *sql.DB
}

// NewTransferRepository creates a new transfer repository
func NewTransferRepository(db *sql.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// CreateTransfer inserts a new transfer with its validator snapshot
func (r *TransferRepository) CreateTransfer(ctx context.Context, rec *bridge.Record) error {
	row, err := encodeRecord(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "create_transfer", "failed to encode transfer")
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO transfers (id, source_chain, nonce, status, data, powers, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

		t := rec.Transfer
		_, err := tx.ExecContext(ctx, query,
			t.ID, int64(t.SourceChain), numeric(t.Nonce), string(t.Status),
			row.Data, row.Powers, t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.NewCode(errors.ErrorTypeValidation, errors.CodeDuplicateNonce, "create_transfer",
					"nonce already recorded for source chain").
					WithContext("source_chain", t.SourceChain).
					WithContext("nonce", t.Nonce)
			}
			return errors.Wrap(err, errors.ErrorTypeDatabase, "create_transfer", "failed to insert transfer").
				WithContext("transfer_id", t.ID)
		}

		for identity, sig := range rec.Signatures {
			if err := insertSignature(ctx, tx, t.ID, identity, sig); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateTransfer writes the transfer's current state
func (r *TransferRepository) UpdateTransfer(ctx context.Context, t *bridge.Transfer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "update_transfer", "failed to encode transfer")
	}

	query := `UPDATE transfers SET status = $1, data = $2, updated_at = $3 WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, string(t.Status), data, t.UpdatedAt, t.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "update_transfer", "failed to update transfer").
			WithContext("transfer_id", t.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewCode(errors.ErrorTypeDatabase, errors.CodeTransferNotFound, "update_transfer", "transfer not stored").
			WithContext("transfer_id", t.ID)
	}
	return nil
}

// AddSignature stores a signature and, when it counted toward quorum, the
// transfer's new accumulated power
func (r *TransferRepository) AddSignature(ctx context.Context, transferID, identity string, sig bridge.StoredSignature, power uint64) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var data []byte
		err := tx.QueryRowContext(ctx, `SELECT data FROM transfers WHERE id = $1 FOR UPDATE`, transferID).Scan(&data)
		if err == sql.ErrNoRows {
			return errors.NewCode(errors.ErrorTypeDatabase, errors.CodeTransferNotFound, "add_signature", "transfer not stored").
				WithContext("transfer_id", transferID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "add_signature", "failed to lock transfer").
				WithContext("transfer_id", transferID)
		}

		if err := insertSignature(ctx, tx, transferID, identity, sig); err != nil {
			return err
		}
		if !sig.Counted {
			return nil
		}

		var t bridge.Transfer
		if err := json.Unmarshal(data, &t); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "add_signature", "failed to decode transfer")
		}
		t.Power = power
		t.Signers++
		if data, err = json.Marshal(t); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "add_signature", "failed to encode transfer")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE transfers SET data = $1 WHERE id = $2`, data, transferID); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "add_signature", "failed to update power").
				WithContext("transfer_id", transferID)
		}
		return nil
	})
}

func insertSignature(ctx context.Context, tx *sql.Tx, transferID, identity string, sig bridge.StoredSignature) error {
	query := `
		INSERT INTO transfer_signatures (transfer_id, identity, signature, counted)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (transfer_id, identity) DO NOTHING`

	if _, err := tx.ExecContext(ctx, query, transferID, identity, sig.Signature, sig.Counted); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "add_signature", "failed to insert signature").
			WithContext("transfer_id", transferID).
			WithContext("validator", identity)
	}
	return nil
}

// LoadTransfers returns every record ordered by creation time
func (r *TransferRepository) LoadTransfers(ctx context.Context) ([]*bridge.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, data, powers FROM transfers ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "load_transfers", "failed to query transfers")
	}
	defer closeRows(rows)

	var records []*bridge.Record
	byID := make(map[string]*bridge.Record)
	for rows.Next() {
		var row transferRow
		if err := rows.Scan(&row.ID, &row.Data, &row.Powers); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "load_transfers", "failed to scan transfer")
		}
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "load_transfers", "corrupt transfer row")
		}
		records = append(records, rec)
		byID[row.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "load_transfers", "error iterating transfers")
	}

	sigs, err := r.db.QueryContext(ctx, `SELECT transfer_id, identity, signature, counted FROM transfer_signatures`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "load_transfers", "failed to query signatures")
	}
	defer closeRows(sigs)

	for sigs.Next() {
		var id, identity string
		var sig bridge.StoredSignature
		if err := sigs.Scan(&id, &identity, &sig.Signature, &sig.Counted); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "load_transfers", "failed to scan signature")
		}
		if rec, ok := byID[id]; ok {
			rec.Signatures[identity] = sig
		}
	}
	if err := sigs.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "load_transfers", "error iterating signatures")
	}

	return records, nil
}

// PeriodRepository implements rewards.Store.
type PeriodRepository struct {
	db *sql.DB
}

// NewPeriodRepository creates a new period repository
func NewPeriodRepository(db *sql.DB) *PeriodRepository {
	return &PeriodRepository{db: db}
}

const periodColumns = `id, start_at, end_at, total_shares, reward_pool, closed, distributed, distributed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row rowScanner) (rewards.Period, error) {
	var p rewards.Period
	var total, pool numeric
	var distributedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Start, &p.End, &total, &pool, &p.Closed, &p.Distributed, &distributedAt)
	p.TotalShares = uint64(total)
	p.RewardPool = uint64(pool)
	if distributedAt.Valid {
		p.DistributedAt = distributedAt.Time
	}
	return p, err
}

func (r *PeriodRepository) loadMiners(ctx context.Context, periodID uint64) ([]rewards.MinerStats, error) {
	query := `
		SELECT miner_id, shares, work, active_slots, last_share, participation_start
		FROM period_miner_stats WHERE period_id = $1 ORDER BY miner_id`

	rows, err := r.db.QueryContext(ctx, query, int64(periodID))
	if err != nil {
		return nil, fmt.Errorf("failed to query miner stats: %w", err)
	}
	defer closeRows(rows)

	var miners []rewards.MinerStats
	for rows.Next() {
		var m rewards.MinerStats
		var shares, work, slots numeric
		if err := rows.Scan(&m.MinerID, &shares, &work, &slots, &m.LastShare, &m.ParticipationStart); err != nil {
			return nil, fmt.Errorf("failed to scan miner stats: %w", err)
		}
		m.Shares, m.Work, m.ActiveSlots = uint64(shares), uint64(work), uint64(slots)
		miners = append(miners, m)
	}
	return miners, rows.Err()
}

// OpenPeriod returns the newest period that has not been closed
func (r *PeriodRepository) OpenPeriod(ctx context.Context) (*rewards.PeriodSnapshot, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM reward_periods WHERE NOT closed ORDER BY id DESC LIMIT 1`)
	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeDatabase, "open_period", "failed to load open period")
	}

	miners, err := r.loadMiners(ctx, p.ID)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeDatabase, "open_period", "failed to load miner stats").
			WithContext("period_id", p.ID)
	}
	return &rewards.PeriodSnapshot{Period: p, Miners: miners}, true, nil
}

// SaveOpenPeriod upserts the running totals of a period that is still open
func (r *PeriodRepository) SaveOpenPeriod(ctx context.Context, snap *rewards.PeriodSnapshot) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := upsertPeriod(ctx, tx, snap.Period, false); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "save_open_period", "failed to save period").
				WithContext("period_id", snap.ID)
		}
		return upsertMiners(ctx, tx, "save_open_period", snap)
	})
}

// ClosePeriod stores the final inputs of closed and opens next in one transaction
func (r *PeriodRepository) ClosePeriod(ctx context.Context, closed *rewards.PeriodSnapshot, next *rewards.Period) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := upsertPeriod(ctx, tx, closed.Period, true); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "close_period", "failed to close period").
				WithContext("period_id", closed.ID)
		}
		if err := upsertMiners(ctx, tx, "close_period", closed); err != nil {
			return err
		}

		query := `
			INSERT INTO reward_periods (id, start_at, end_at, reward_pool)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, int64(next.ID), next.Start, next.End, numeric(next.RewardPool)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "close_period", "failed to open next period").
				WithContext("period_id", next.ID)
		}
		return nil
	})
}

// upsertPeriod writes a period row unless it is already closed.
func upsertPeriod(ctx context.Context, tx *sql.Tx, p rewards.Period, closed bool) error {
	query := `
		INSERT INTO reward_periods (id, start_at, end_at, total_shares, reward_pool, closed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET total_shares = EXCLUDED.total_shares,
		    reward_pool = EXCLUDED.reward_pool,
		    closed = EXCLUDED.closed
		WHERE NOT reward_periods.closed`

	res, err := tx.ExecContext(ctx, query,
		int64(p.ID), p.Start, p.End, numeric(p.TotalShares), numeric(p.RewardPool), closed)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("period %d already closed", p.ID)
	}
	return nil
}

func upsertMiners(ctx context.Context, tx *sql.Tx, op string, snap *rewards.PeriodSnapshot) error {
	query := `
		INSERT INTO period_miner_stats (period_id, miner_id, shares, work, active_slots, last_share, participation_start)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (period_id, miner_id) DO UPDATE
		SET shares = EXCLUDED.shares,
		    work = EXCLUDED.work,
		    active_slots = EXCLUDED.active_slots,
		    last_share = EXCLUDED.last_share,
		    participation_start = EXCLUDED.participation_start`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, op, "failed to prepare miner stats upsert")
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range snap.Miners {
		_, err := stmt.ExecContext(ctx, int64(snap.ID), m.MinerID,
			numeric(m.Shares), numeric(m.Work), numeric(m.ActiveSlots), m.LastShare, m.ParticipationStart)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, op, "failed to save miner stats").
				WithContext("period_id", snap.ID).
				WithContext("miner_id", m.MinerID)
		}
	}
	return nil
}

// Snapshot loads a period with its recorded inputs
func (r *PeriodRepository) Snapshot(ctx context.Context, periodID uint64) (*rewards.PeriodSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM reward_periods WHERE id = $1`, int64(periodID))
	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewCode(errors.ErrorTypeValidation, errors.CodePeriodNotFound, "snapshot", "period not found").
			WithContext("period_id", periodID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "snapshot", "failed to load period").
			WithContext("period_id", periodID)
	}

	miners, err := r.loadMiners(ctx, periodID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "snapshot", "failed to load miner stats").
			WithContext("period_id", periodID)
	}
	return &rewards.PeriodSnapshot{Period: p, Miners: miners}, nil
}

// PayoutRepository implements payout.Store.
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// Accounts loads the accounts of the given miners
func (r *PayoutRepository) Accounts(ctx context.Context, minerIDs []string) (map[string]payout.Account, error) {
	out := make(map[string]payout.Account, len(minerIDs))
	if len(minerIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT miner_id, carried, lifetime, last_paid_period
		FROM miner_accounts WHERE miner_id = ANY($1)`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(minerIDs))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "accounts", "failed to query accounts")
	}
	defer closeRows(rows)

	for rows.Next() {
		var a payout.Account
		var carried, lifetime numeric
		var last int64
		if err := rows.Scan(&a.MinerID, &carried, &lifetime, &last); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "accounts", "failed to scan account")
		}
		a.Carried, a.Lifetime, a.LastPaidPeriod = uint64(carried), uint64(lifetime), uint64(last)
		out[a.MinerID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "accounts", "error iterating accounts")
	}
	return out, nil
}

// RecordDistribution flags the period distributed, inserts its payouts and
// upserts accounts in one transaction
func (r *PayoutRepository) RecordDistribution(ctx context.Context, d *payout.Distribution, accounts []payout.Account) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
			UPDATE reward_periods
			SET distributed = true, distributed_at = $2, fee = $3
			WHERE id = $1 AND closed AND NOT distributed`

		res, err := tx.ExecContext(ctx, query, int64(d.PeriodID), d.DistributedAt, numeric(d.Fee))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_distribution", "failed to flag period").
				WithContext("period_id", d.PeriodID)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return r.distributeConflict(ctx, tx, d.PeriodID)
		}

		for _, p := range d.Payouts {
			query := `
				INSERT INTO payouts (period_id, miner_id, amount, status, created_at)
				VALUES ($1, $2, $3, $4, $5)`
			if _, err := tx.ExecContext(ctx, query, int64(p.PeriodID), p.MinerID, numeric(p.Amount), string(p.Status), p.CreatedAt); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_distribution", "failed to insert payout").
					WithContext("period_id", d.PeriodID).
					WithContext("miner_id", p.MinerID)
			}
		}

		for _, a := range accounts {
			query := `
				INSERT INTO miner_accounts (miner_id, carried, lifetime, last_paid_period, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (miner_id) DO UPDATE
				SET carried = EXCLUDED.carried,
				    lifetime = EXCLUDED.lifetime,
				    last_paid_period = EXCLUDED.last_paid_period,
				    updated_at = EXCLUDED.updated_at`
			if _, err := tx.ExecContext(ctx, query, a.MinerID, numeric(a.Carried), numeric(a.Lifetime), int64(a.LastPaidPeriod), d.DistributedAt); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_distribution", "failed to save account").
					WithContext("miner_id", a.MinerID)
			}
		}
		return nil
	})
}

// distributeConflict explains why a period could not be flagged.
func (r *PayoutRepository) distributeConflict(ctx context.Context, tx *sql.Tx, periodID uint64) error {
	var closed, distributed bool
	err := tx.QueryRowContext(ctx, `SELECT closed, distributed FROM reward_periods WHERE id = $1`, int64(periodID)).
		Scan(&closed, &distributed)
	switch {
	case err == sql.ErrNoRows:
		return errors.NewCode(errors.ErrorTypeValidation, errors.CodePeriodNotFound, "record_distribution", "period not found").
			WithContext("period_id", periodID)
	case err != nil:
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_distribution", "failed to load period").
			WithContext("period_id", periodID)
	case distributed:
		return errors.NewCode(errors.ErrorTypeValidation, errors.CodeAlreadyDistributed, "record_distribution", "period already distributed").
			WithContext("period_id", periodID)
	default:
		return errors.NewCode(errors.ErrorTypeValidation, errors.CodePeriodOpen, "record_distribution", "period is still open").
			WithContext("period_id", periodID)
	}
}

// PendingPayouts lists the unpaid payouts of a period
func (r *PayoutRepository) PendingPayouts(ctx context.Context, periodID uint64) ([]payout.Payout, error) {
	query := `
		SELECT miner_id, amount, created_at
		FROM payouts WHERE period_id = $1 AND status = $2
		ORDER BY miner_id`

	rows, err := r.db.QueryContext(ctx, query, int64(periodID), string(payout.StatusPending))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "pending_payouts", "failed to query payouts")
	}
	defer closeRows(rows)

	var out []payout.Payout
	for rows.Next() {
		p := payout.Payout{PeriodID: periodID, Status: payout.StatusPending}
		var amount numeric
		if err := rows.Scan(&p.MinerID, &amount, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "pending_payouts", "failed to scan payout")
		}
		p.Amount = uint64(amount)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "pending_payouts", "error iterating payouts")
	}
	return out, nil
}

// MarkPaid records the transaction that paid a period's pending payouts
func (r *PayoutRepository) MarkPaid(ctx context.Context, periodID uint64, txID string, at time.Time) error {
	query := `UPDATE payouts SET status = $1, txid = $2, paid_at = $3 WHERE period_id = $4 AND status = $5`
	_, err := r.db.ExecContext(ctx, query,
		string(payout.StatusPaid), txID, at, int64(periodID), string(payout.StatusPending))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "mark_paid", "failed to mark payouts paid").
			WithContext("period_id", periodID).
			WithContext("txid", txID)
	}
	return nil
}
