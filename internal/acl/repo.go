package acl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/objacl/objacl/internal/platform/db"
)

// repo implements Repository against the four-table PostgreSQL layout:
// acl_sid, acl_class, acl_object_identity, acl_entry.
type repo struct {
	pool *pgxpool.Pool
}

// NewRepository creates the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repo{pool: pool}
}

const (
	uniqueViolation  = "23505"
	deadlockDetected = "40P01"
)

const lookupColumns = `
SELECT oi.id, c.class, oi.object_id, oi.parent_id, oi.entries_inheriting, oi.version,
       os.sid, os.principal,
       e.id, es.sid, es.principal, e.mask, e.granting, e.audit_success, e.audit_failure
FROM acl_object_identity oi
JOIN acl_class c ON c.id = oi.class_id
JOIN acl_sid os ON os.id = oi.owner_sid_id
LEFT JOIN acl_entry e ON e.object_identity_id = oi.id
LEFT JOIN acl_sid es ON es.id = e.sid_id
`

func (r *repo) FindByIdentity(ctx context.Context, oids []ObjectIdentity, _ []Sid) ([]Record, error) {
	if len(oids) == 0 {
		return nil, nil
	}
	// One round trip for the whole batch: the identity pairs become one
	// OR-joined predicate.
	conds := make([]string, 0, len(oids))
	args := make([]any, 0, len(oids)*2)
	for i, oid := range oids {
		conds = append(conds, fmt.Sprintf("(c.class = $%d AND oi.object_id = $%d)", i*2+1, i*2+2))
		args = append(args, oid.Type, oid.ID)
	}
	query := lookupColumns + "WHERE " + strings.Join(conds, " OR ") + " ORDER BY oi.id, e.ace_order"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *repo) FindByRowID(ctx context.Context, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := lookupColumns + "WHERE oi.id = ANY($1) ORDER BY oi.id, e.ace_order"
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	var current *Record
	for rows.Next() {
		var (
			rowID        int64
			class        string
			objectID     int64
			parentID     *int64
			inheriting   bool
			version      int64
			ownerName    string
			ownerIsPrin  bool
			entryID      *int64
			entryName    *string
			entryIsPrin  *bool
			mask         *int32
			granting     *bool
			auditSuccess *bool
			auditFailure *bool
		)
		if err := rows.Scan(&rowID, &class, &objectID, &parentID, &inheriting, &version,
			&ownerName, &ownerIsPrin,
			&entryID, &entryName, &entryIsPrin, &mask, &granting, &auditSuccess, &auditFailure); err != nil {
			return nil, err
		}
		if current == nil || current.RowID != rowID {
			records = append(records, Record{
				RowID:          rowID,
				ObjectIdentity: ObjectIdentity{Type: class, ID: objectID},
				ParentRowID:    parentID,
				Owner:          Sid{Name: ownerName, Principal: ownerIsPrin},
				Inheriting:     inheriting,
				Version:        version,
			})
			current = &records[len(records)-1]
		}
		if entryID != nil {
			current.Entries = append(current.Entries, Entry{
				ID:           *entryID,
				Sid:          Sid{Name: *entryName, Principal: *entryIsPrin},
				Permission:   Permission(uint32(*mask)),
				Granting:     *granting,
				AuditSuccess: *auditSuccess,
				AuditFailure: *auditFailure,
			})
		}
	}
	return records, rows.Err()
}

func (r *repo) Insert(ctx context.Context, oid ObjectIdentity, owner Sid) (Record, error) {
	var rec Record
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		classID, err := upsertClass(ctx, tx, oid.Type)
		if err != nil {
			return err
		}
		ownerID, err := upsertSid(ctx, tx, owner)
		if err != nil {
			return err
		}
		var rowID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO acl_object_identity (class_id, object_id, owner_sid_id, entries_inheriting, version)
			VALUES ($1, $2, $3, FALSE, 1)
			RETURNING id`, classID, oid.ID, ownerID).Scan(&rowID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, oid)
			}
			return err
		}
		rec = Record{RowID: rowID, ObjectIdentity: oid, Owner: owner, Inheriting: false, Version: 1}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *repo) Update(ctx context.Context, acl *Acl) (int64, error) {
	var newVersion int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rowID, version, err := lockIdentity(ctx, tx, acl.ObjectIdentity)
		if err != nil {
			return err
		}
		if version != acl.Version {
			return fmt.Errorf("%w: %s has version %d, update carries %d", ErrConflict, acl.ObjectIdentity, version, acl.Version)
		}

		var parentRowID *int64
		if acl.ParentID != nil {
			id, err := findRowID(ctx, tx, *acl.ParentID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: parent %s", ErrNotFound, *acl.ParentID)
				}
				return err
			}
			parentRowID = &id

			// The new parent row is locked as well and the ancestor walk runs
			// under both locks. Two concurrent relinks that would close a
			// loop serialize here instead of each committing half a cycle.
			if _, err := tx.Exec(ctx, `SELECT id FROM acl_object_identity WHERE id = $1 FOR UPDATE`, id); err != nil {
				return err
			}
			looped, err := ancestorOf(ctx, tx, id, rowID)
			if err != nil {
				return err
			}
			if looped {
				return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycleDetected, acl.ObjectIdentity, *acl.ParentID)
			}
		}
		ownerID, err := upsertSid(ctx, tx, acl.Owner)
		if err != nil {
			return err
		}

		newVersion = version + 1
		if _, err := tx.Exec(ctx, `
			UPDATE acl_object_identity
			SET parent_id = $1, owner_sid_id = $2, entries_inheriting = $3, version = $4
			WHERE id = $5`, parentRowID, ownerID, acl.Inheriting, newVersion, rowID); err != nil {
			return err
		}

		// Full entry-list replace keeps ace_order dense 0..n-1 from the
		// in-memory slice order.
		if _, err := tx.Exec(ctx, `DELETE FROM acl_entry WHERE object_identity_id = $1`, rowID); err != nil {
			return err
		}
		for i, e := range acl.Entries {
			sidID, err := upsertSid(ctx, tx, e.Sid)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO acl_entry (object_identity_id, ace_order, sid_id, mask, granting, audit_success, audit_failure)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rowID, i, sidID, int32(e.Permission), e.Granting, e.AuditSuccess, e.AuditFailure); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Crossed row locks from two opposing relinks surface as a deadlock;
		// the aborted side is just a lost race.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == deadlockDetected {
			return 0, fmt.Errorf("%w: concurrent update of %s", ErrConflict, acl.ObjectIdentity)
		}
		return 0, err
	}
	return newVersion, nil
}

func (r *repo) Delete(ctx context.Context, oid ObjectIdentity, deleteChildren bool) ([]ObjectIdentity, error) {
	var removed []ObjectIdentity
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rowID, _, err := lockIdentity(ctx, tx, oid)
		if err != nil {
			return err
		}
		var childCount int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM acl_object_identity WHERE parent_id = $1`, rowID).Scan(&childCount); err != nil {
			return err
		}
		if childCount > 0 && !deleteChildren {
			return fmt.Errorf("%w: %s has %d children", ErrChildrenExist, oid, childCount)
		}

		ids := []int64{rowID}
		removed = []ObjectIdentity{oid}
		if deleteChildren {
			descIDs, descOIDs, err := descendantRows(ctx, tx, rowID)
			if err != nil {
				return err
			}
			ids = append(ids, descIDs...)
			removed = append(removed, descOIDs...)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM acl_entry WHERE object_identity_id = ANY($1)`, ids); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM acl_object_identity WHERE id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *repo) Descendants(ctx context.Context, oid ObjectIdentity) ([]ObjectIdentity, error) {
	var result []ObjectIdentity
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rowID, err := findRowID(ctx, tx, oid)
		if err != nil {
			return err
		}
		_, oids, err := descendantRows(ctx, tx, rowID)
		if err != nil {
			return err
		}
		result = oids
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

func lockIdentity(ctx context.Context, tx pgx.Tx, oid ObjectIdentity) (int64, int64, error) {
	var rowID, version int64
	err := tx.QueryRow(ctx, `
		SELECT oi.id, oi.version
		FROM acl_object_identity oi
		JOIN acl_class c ON c.id = oi.class_id
		WHERE c.class = $1 AND oi.object_id = $2
		FOR UPDATE OF oi`, oid.Type, oid.ID).Scan(&rowID, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, oid)
	}
	if err != nil {
		return 0, 0, err
	}
	return rowID, version, nil
}

func findRowID(ctx context.Context, tx pgx.Tx, oid ObjectIdentity) (int64, error) {
	var rowID int64
	err := tx.QueryRow(ctx, `
		SELECT oi.id
		FROM acl_object_identity oi
		JOIN acl_class c ON c.id = oi.class_id
		WHERE c.class = $1 AND oi.object_id = $2`, oid.Type, oid.ID).Scan(&rowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, oid)
	}
	return rowID, err
}

// ancestorOf reports whether candidate sits on the ancestor chain starting at
// startRow, walked within the caller's transaction so it sees the state the
// row locks protect. The walk is depth-capped so corrupt data cannot loop it.
func ancestorOf(ctx context.Context, tx pgx.Tx, startRow, candidate int64) (bool, error) {
	var found bool
	err := tx.QueryRow(ctx, `
		WITH RECURSIVE chain(id, parent_id, depth) AS (
			SELECT id, parent_id, 1 FROM acl_object_identity WHERE id = $1
			UNION ALL
			SELECT oi.id, oi.parent_id, c.depth + 1
			FROM acl_object_identity oi
			JOIN chain c ON oi.id = c.parent_id
			WHERE c.depth < 256
		)
		SELECT EXISTS (SELECT 1 FROM chain WHERE id = $2)`, startRow, candidate).Scan(&found)
	return found, err
}

func descendantRows(ctx context.Context, tx pgx.Tx, rowID int64) ([]int64, []ObjectIdentity, error) {
	rows, err := tx.Query(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM acl_object_identity WHERE parent_id = $1
			UNION ALL
			SELECT oi.id FROM acl_object_identity oi JOIN subtree s ON oi.parent_id = s.id
		)
		SELECT oi.id, c.class, oi.object_id
		FROM acl_object_identity oi
		JOIN acl_class c ON c.id = oi.class_id
		WHERE oi.id IN (SELECT id FROM subtree)`, rowID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var ids []int64
	var oids []ObjectIdentity
	for rows.Next() {
		var id int64
		var oid ObjectIdentity
		if err := rows.Scan(&id, &oid.Type, &oid.ID); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		oids = append(oids, oid)
	}
	return ids, oids, rows.Err()
}

func upsertSid(ctx context.Context, tx pgx.Tx, sid Sid) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO acl_sid (sid, principal) VALUES ($1, $2)
		ON CONFLICT (sid, principal) DO UPDATE SET sid = EXCLUDED.sid
		RETURNING id`, sid.Name, sid.Principal).Scan(&id)
	return id, err
}

func upsertClass(ctx context.Context, tx pgx.Tx, class string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO acl_class (class) VALUES ($1)
		ON CONFLICT (class) DO UPDATE SET class = EXCLUDED.class
		RETURNING id`, class).Scan(&id)
	return id, err
}
