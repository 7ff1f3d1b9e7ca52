package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/p2psync/internal/model"
)

func TestRepo_LoadMissingIsEmpty(t *testing.T) {
	t.Parallel()
	snap, err := New(filepath.Join(t.TempDir(), "none")).Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Groups)
	require.Empty(t, snap.Memberships)
	require.Empty(t, snap.Catalog)
}

func TestRepo_SaveLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "session")
	r := New(dir)

	want := model.Snapshot{
		Groups:      []model.GroupRecord{{Name: "g", TokenRW: "rw", TokenRO: "ro"}},
		Memberships: []model.MembershipRecord{{PeerID: "p", GroupName: "g", Role: model.RoleMaster}},
		Catalog:     []model.CatalogRecord{{GroupName: "g", TreePath: "a/b", Filesize: 3, Timestamp: 4}},
	}
	require.NoError(t, r.Save(ctx, want))

	got, err := r.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	for _, f := range []string{GroupsFile, MembershipsFile, CatalogFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
	}

	require.NoError(t, r.Save(ctx, model.Snapshot{}))
	got, err = r.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, got.Groups)
}

func TestRepo_LoadRejectsCorruptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CatalogFile), []byte("{"), 0o600))
	if _, err := New(dir).Load(context.Background()); err == nil {
		t.Fatalf("want decode error")
	}
}

func TestRepo_ReadsSessionLayout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GroupsFile),
		[]byte(`[{"groupName":"g","tokenRW":"a","tokenRO":"b"}]`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CatalogFile),
		[]byte(`[{"groupName":"g","filename":"x/y.txt","filesize":10,"timestamp":20}]`), 0o600))

	snap, err := New(dir).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", snap.Groups[0].TokenRW)
	require.Equal(t, "x/y.txt", snap.Catalog[0].TreePath)
	require.Empty(t, snap.Memberships)
}

func TestRepo_SaveCancelledWritesNothing(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "session")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(dir).Save(ctx, model.Snapshot{Groups: []model.GroupRecord{{Name: "g", TokenRW: "rw", TokenRO: "ro"}}})
	require.ErrorIs(t, err, context.Canceled)
	for _, f := range []string{GroupsFile, MembershipsFile, CatalogFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.True(t, os.IsNotExist(err), "%s should not exist", f)
	}
}
