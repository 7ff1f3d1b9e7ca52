package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/p2psync/internal/model"
	"github.com/and161185/p2psync/internal/repository"
)

// SnapshotRepo implements repository.SnapshotRepository over the groups, memberships
// and catalog tables.
type SnapshotRepo struct{ db *DB }

var _ repository.SnapshotRepository = (*SnapshotRepo)(nil)

// NewSnapshotRepo constructs a snapshot repository.
func NewSnapshotRepo(db *DB) *SnapshotRepo { return &SnapshotRepo{db: db} }

const (
	selGroups      = `SELECT name, token_rw, token_ro FROM groups ORDER BY name`
	selMemberships = `SELECT peer_id, group_name, role FROM memberships ORDER BY group_name, peer_id`
	selCatalog     = `SELECT group_name, tree_path, filesize, ts FROM catalog ORDER BY group_name, tree_path`

	delCatalog     = `DELETE FROM catalog`
	delMemberships = `DELETE FROM memberships`
	delGroups      = `DELETE FROM groups`

	insGroup      = `INSERT INTO groups (name, token_rw, token_ro) VALUES ($1,$2,$3)`
	insMembership = `INSERT INTO memberships (peer_id, group_name, role) VALUES ($1,$2,$3)`
	insCatalog    = `INSERT INTO catalog (group_name, tree_path, filesize, ts) VALUES ($1,$2,$3,$4)`
)

// Load implements repository.SnapshotRepository.
func (r *SnapshotRepo) Load(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot

	rows, err := r.db.Pool.Query(ctx, selGroups)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load groups: %w", err)
	}
	for rows.Next() {
		var g model.GroupRecord
		if err := rows.Scan(&g.Name, &g.TokenRW, &g.TokenRO); err != nil {
			rows.Close()
			return model.Snapshot{}, err
		}
		snap.Groups = append(snap.Groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Snapshot{}, err
	}

	rows, err = r.db.Pool.Query(ctx, selMemberships)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load memberships: %w", err)
	}
	for rows.Next() {
		var (
			m    model.MembershipRecord
			role string
		)
		if err := rows.Scan(&m.PeerID, &m.GroupName, &role); err != nil {
			rows.Close()
			return model.Snapshot{}, err
		}
		if m.Role, err = model.ParseRole(role); err != nil {
			rows.Close()
			return model.Snapshot{}, fmt.Errorf("membership %s@%s: %w", m.PeerID, m.GroupName, err)
		}
		snap.Memberships = append(snap.Memberships, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Snapshot{}, err
	}

	rows, err = r.db.Pool.Query(ctx, selCatalog)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load catalog: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c model.CatalogRecord
		if err := rows.Scan(&c.GroupName, &c.TreePath, &c.Filesize, &c.Timestamp); err != nil {
			return model.Snapshot{}, err
		}
		snap.Catalog = append(snap.Catalog, c)
	}
	return snap, rows.Err()
}

// Save implements repository.SnapshotRepository. All rows are replaced in one transaction.
func (r *SnapshotRepo) Save(ctx context.Context, snap model.Snapshot) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	for _, q := range []string{delCatalog, delMemberships, delGroups} {
		if _, err = tx.Exec(ctx, q); err != nil {
			return err
		}
	}
	for _, g := range snap.Groups {
		if _, err = tx.Exec(ctx, insGroup, g.Name, g.TokenRW, g.TokenRO); err != nil {
			return fmt.Errorf("group %s: %w", g.Name, err)
		}
	}
	for _, m := range snap.Memberships {
		if _, err = tx.Exec(ctx, insMembership, m.PeerID, m.GroupName, string(m.Role)); err != nil {
			return fmt.Errorf("membership %s@%s: %w", m.PeerID, m.GroupName, err)
		}
	}
	for _, c := range snap.Catalog {
		if _, err = tx.Exec(ctx, insCatalog, c.GroupName, c.TreePath, c.Filesize, c.Timestamp); err != nil {
			return fmt.Errorf("catalog %s@%s: %w", c.TreePath, c.GroupName, err)
		}
	}
	return nil
}
