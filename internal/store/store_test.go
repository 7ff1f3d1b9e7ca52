package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/model"
)

func TestStore_CreateAndLookup(t *testing.T) {
	t.Parallel()
	s := New()

	err := s.Update(func() error {
		if _, err := s.Create("b", "rw", "ro"); err != nil {
			return err
		}
		_, err := s.Create("a", "rw", "ro")
		return err
	})
	require.NoError(t, err)

	err = s.Update(func() error {
		_, err := s.Create("a", "x", "y")
		return err
	})
	require.ErrorIs(t, err, errs.ErrGroupExists)

	_ = s.View(func() error {
		groups := s.Groups()
		require.Len(t, groups, 2)
		require.Equal(t, "a", groups[0].Name)
		_, err := s.Group("nope")
		require.ErrorIs(t, err, errs.ErrGroupNotFound)
		return nil
	})
}

func TestStore_SnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	s := New()
	_ = s.Update(func() error {
		g, _ := s.Create("docs", "tokRW", "tokRO")
		g.AddPeer("m", true, model.RoleMaster)
		g.AddPeer("w", true, model.RoleRW)
		g.AddPeer("r", false, model.RoleRO)
		g.AddFile("a/b.txt", 5, 50)
		g.AddFile("c.txt", 7, 70)
		_, _ = s.Create("empty", "1", "2")
		return nil
	})

	snap := s.Snapshot()
	require.Len(t, snap.Groups, 2)
	require.Len(t, snap.Memberships, 3)
	require.Len(t, snap.Catalog, 2)

	restored := New()
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, snap, restored.Snapshot())

	_ = restored.View(func() error {
		g, err := restored.Group("docs")
		require.NoError(t, err)
		require.Equal(t, "tokRW", g.TokenRW)
		require.Equal(t, "tokRO", g.TokenRO)
		for _, m := range g.Members() {
			if m.Active {
				t.Fatalf("restored member %s must be inactive", m.PeerID)
			}
		}
		m, _ := g.Member("m")
		require.Equal(t, model.RoleMaster, m.Role)
		return nil
	})
}

func TestStore_RestoreRejectsDanglingRecords(t *testing.T) {
	t.Parallel()
	s := New()
	err := s.Restore(model.Snapshot{
		Memberships: []model.MembershipRecord{{PeerID: "p", GroupName: "ghost", Role: model.RoleRW}},
	})
	if !errors.Is(err, errs.ErrGroupNotFound) {
		t.Fatalf("want ErrGroupNotFound, got %v", err)
	}

	err = s.Restore(model.Snapshot{
		Catalog: []model.CatalogRecord{{GroupName: "ghost", TreePath: "x"}},
	})
	if !errors.Is(err, errs.ErrGroupNotFound) {
		t.Fatalf("want ErrGroupNotFound, got %v", err)
	}
}

func TestStore_PublicInfos(t *testing.T) {
	t.Parallel()
	s := New()
	require.NoError(t, s.Update(func() error {
		b, err := s.Create("b", "rw", "ro")
		if err != nil {
			return err
		}
		b.AddPeer("p1", true, model.RoleMaster)
		b.AddPeer("p2", false, model.RoleRO)
		_, err = s.Create("a", "rw", "ro")
		return err
	}))

	require.Equal(t, []model.GroupInfo{
		{Name: "a"},
		{Name: "b", Active: 1, Total: 2},
	}, s.PublicInfos())

	info, err := s.PublicInfo("b")
	require.NoError(t, err)
	require.Equal(t, 2, info.Total)
	if _, err := s.PublicInfo("zzz"); !errors.Is(err, errs.ErrGroupNotFound) {
		t.Fatalf("want ErrGroupNotFound, got %v", err)
	}
}
