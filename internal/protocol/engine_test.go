package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/p2psync/internal/limiter"
	"github.com/and161185/p2psync/internal/model"
	"github.com/and161185/p2psync/internal/registry"
	"github.com/and161185/p2psync/internal/store"
	"github.com/and161185/p2psync/internal/wire"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st := store.New()
	return New(st, registry.NewMemory(), WithLogger(zaptest.NewLogger(t)), WithInfo("10.147.0.1", 45154)), st
}

func do(t *testing.T, e *Engine, line string) string {
	t.Helper()
	reply, _ := e.Handle(context.Background(), line, "203.0.113.7")
	return reply
}

func member(t *testing.T, st *store.Store, group, peer string) (model.Membership, bool) {
	t.Helper()
	var (
		m  model.Membership
		ok bool
	)
	require.NoError(t, st.View(func() error {
		g, err := st.Group(group)
		if err != nil {
			return err
		}
		m, ok = g.Member(peer)
		return nil
	}))
	return m, ok
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	req, err := ParseRequest("p1 CREATE g rw ro\n")
	require.NoError(t, err)
	require.Equal(t, Request{PeerID: "p1", Action: "CREATE", Args: "g rw ro"}, req)

	req, err = ParseRequest("p1 BYE")
	require.NoError(t, err)
	require.Equal(t, "", req.Args)

	for _, bad := range []string{"", "p1", " "} {
		if _, err := ParseRequest(bad); err == nil {
			t.Fatalf("ParseRequest(%q) must fail", bad)
		}
	}
}

func TestEngine_UnexpectedAndMalformed(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	require.Equal(t, "ERROR - UNEXPECTED REQUEST", do(t, e, "p1 DANCE"))
	require.Equal(t, "ERROR - UNEXPECTED REQUEST", do(t, e, "p1 groups"))
	require.True(t, strings.HasPrefix(do(t, e, "p1"), "ERROR - INVALID REQUEST"))
	require.True(t, strings.HasPrefix(do(t, e, "p1 CREATE g"), "ERROR - INVALID REQUEST"))
}

func TestEngine_CreateMakesActiveMaster(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)

	require.Equal(t, "OK - GROUP g SUCCESSFULLY CREATED", do(t, e, "p1 CREATE g rw ro"))
	m, ok := member(t, st, "g", "p1")
	require.True(t, ok)
	require.Equal(t, model.RoleMaster, m.Role)
	require.True(t, m.Active)

	require.Equal(t, "ERROR - IMPOSSIBLE TO CREATE GROUP g - GROUP ALREADY EXIST", do(t, e, "p2 CREATE g a b"))
}

func TestEngine_JoinByToken(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g rw ro")

	require.Equal(t, "OK - GROUP g JOINED IN ReadWrite MODE", do(t, e, "a JOIN g rw"))
	require.Equal(t, "OK - GROUP g JOINED IN ReadOnly MODE", do(t, e, "b JOIN g ro"))
	require.Equal(t, "ERROR - IMPOSSIBLE TO JOIN GROUP g - WRONG TOKEN", do(t, e, "c JOIN g nope"))
	require.Equal(t, "ERROR - IMPOSSIBLE TO JOIN GROUP x - GROUP DOESN'T EXIST", do(t, e, "c JOIN x rw"))

	a, _ := member(t, st, "g", "a")
	require.Equal(t, model.RoleRW, a.Role)
	b, _ := member(t, st, "g", "b")
	require.Equal(t, model.RoleRO, b.Role)
	if _, ok := member(t, st, "g", "c"); ok {
		t.Fatalf("failed join must not create a membership")
	}
}

func TestEngine_JoinCannotDemoteLastMaster(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g rw ro")

	require.Equal(t, "ERROR - IMPOSSIBLE TO JOIN GROUP g - GROUP WOULD BE LEFT WITHOUT A MASTER", do(t, e, "m JOIN g ro"))
	m, _ := member(t, st, "g", "m")
	require.Equal(t, model.RoleMaster, m.Role)
}

func TestEngine_JoinThrottlesWrongTokens(t *testing.T) {
	t.Parallel()
	st := store.New()
	e := New(st, registry.NewMemory(),
		WithLogger(zaptest.NewLogger(t)),
		WithJoinLimiter(limiter.NewMemory(time.Minute, 2, time.Hour)),
	)
	do(t, e, "m CREATE g rw ro")

	require.Equal(t, "ERROR - IMPOSSIBLE TO JOIN GROUP g - WRONG TOKEN", do(t, e, "a JOIN g x"))
	require.Equal(t, "ERROR - IMPOSSIBLE TO JOIN GROUP g - WRONG TOKEN", do(t, e, "a JOIN g y"))
	require.Equal(t, "ERROR - IMPOSSIBLE TO JOIN GROUP g - TOO MANY FAILED ATTEMPTS", do(t, e, "a JOIN g rw"))

	reply, _ := e.Handle(context.Background(), "b JOIN g rw", "198.51.100.1")
	require.Equal(t, "OK - GROUP g JOINED IN ReadWrite MODE", reply)
}

func TestEngine_DisconnectRestore(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g rw ro")
	do(t, e, "a JOIN g ro")

	require.Equal(t, "ERROR - IT'S NOT POSSIBLE TO RESTORE GROUP g - PEER ALREADY ACTIVE", do(t, e, "a RESTORE g"))
	require.Equal(t, "OK - GROUP DISCONNECTED", do(t, e, "a DISCONNECT g"))

	m, _ := member(t, st, "g", "a")
	require.False(t, m.Active)

	require.Equal(t, "OK - GROUP g RESTORED", do(t, e, "a RESTORE g"))
	m, _ = member(t, st, "g", "a")
	require.True(t, m.Active)
	require.Equal(t, model.RoleRO, m.Role)

	require.Equal(t, "ERROR - IT'S NOT POSSIBLE TO RESTORE GROUP g - PEER DOESN'T BELONG TO THE GROUP", do(t, e, "z RESTORE g"))
	require.Equal(t, "ERROR - IT'S NOT POSSIBLE TO RESTORE GROUP x - GROUP DOESN'T EXIST", do(t, e, "a RESTORE x"))
	require.Equal(t, "OK - GROUP DISCONNECTED", do(t, e, "z DISCONNECT g"))
	require.Equal(t, "ERROR - IMPOSSIBLE TO DISCONNECT FROM GROUP x - GROUP DOESN'T EXIST", do(t, e, "a DISCONNECT x"))
}

func TestEngine_LeaveRemovesMembership(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g rw ro")
	do(t, e, "a JOIN g rw")

	require.Equal(t, "OK - GROUP LEFT", do(t, e, "a LEAVE g"))
	if _, ok := member(t, st, "g", "a"); ok {
		t.Fatalf("membership must be gone after LEAVE")
	}

	require.Equal(t, "ERROR - IMPOSSIBLE TO LIST PEERS OF GROUP g - PEER DOESN'T BELONG TO THE GROUP", do(t, e, "a PEERS g ALL"))
	require.Equal(t, "ERROR - OPERATION NOT ALLOWED - PEER DOESN'T BELONG TO THE GROUP", do(t, e, "m ROLE MAKE_IT_RO a g"))
	require.Equal(t, "ERROR - OPERATION NOT ALLOWED - PEER DOESN'T BELONG TO THE GROUP", do(t, e, "a ROLE MAKE_IT_RO m g"))
}

func TestEngine_LastMasterCannotLeave(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g rw ro")
	do(t, e, "a JOIN g rw")

	require.Equal(t, "ERROR - IMPOSSIBLE TO LEAVE GROUP g - GROUP WOULD BE LEFT WITHOUT A MASTER", do(t, e, "m LEAVE g"))
	_, ok := member(t, st, "g", "m")
	require.True(t, ok)

	do(t, e, "a LEAVE g")
	require.Equal(t, "OK - GROUP LEFT", do(t, e, "m LEAVE g"))
}

func TestEngine_RoleChangeMaster(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g rw ro")
	do(t, e, "t JOIN g ro")
	do(t, e, "x JOIN g rw")

	require.Equal(t, "ERROR - OPERATION NOT ALLOWED", do(t, e, "x ROLE CHANGE_MASTER x g"))
	xm, _ := member(t, st, "g", "x")
	require.Equal(t, model.RoleRW, xm.Role)

	require.Equal(t, "OK - OPERATION ALLOWED", do(t, e, "m ROLE CHANGE_MASTER t g"))
	tm, _ := member(t, st, "g", "t")
	mm, _ := member(t, st, "g", "m")
	require.Equal(t, model.RoleMaster, tm.Role)
	require.Equal(t, model.RoleRW, mm.Role)

	require.Equal(t, "ERROR - OPERATION NOT ALLOWED", do(t, e, "m ROLE ADD_MASTER m g"))
}

func TestEngine_RoleOtherActions(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g rw ro")
	do(t, e, "a JOIN g ro")

	require.Equal(t, "OK - OPERATION ALLOWED", do(t, e, "m ROLE MAKE_IT_RW a g"))
	a, _ := member(t, st, "g", "a")
	require.Equal(t, model.RoleRW, a.Role)

	require.Equal(t, "OK - OPERATION ALLOWED", do(t, e, "m ROLE ADD_MASTER a g"))
	a, _ = member(t, st, "g", "a")
	require.Equal(t, model.RoleMaster, a.Role)
	m, _ := member(t, st, "g", "m")
	require.Equal(t, model.RoleMaster, m.Role)

	require.Equal(t, "OK - OPERATION ALLOWED", do(t, e, "a ROLE MAKE_IT_RO m g"))
	require.Equal(t, "ERROR - OPERATION NOT ALLOWED - GROUP WOULD BE LEFT WITHOUT A MASTER", do(t, e, "a ROLE MAKE_IT_RO a g"))
	require.Equal(t, "ERROR - OPERATION NOT ALLOWED - GROUP DOESN'T EXIST", do(t, e, "a ROLE MAKE_IT_RO m nope"))
	require.True(t, strings.HasPrefix(do(t, e, "a ROLE PROMOTE m g"), "ERROR - INVALID REQUEST"))
}

func TestEngine_HereAndPeers(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)
	do(t, e, "m CREATE g rw ro")
	do(t, e, "a JOIN g rw")
	do(t, e, "b JOIN g ro")
	do(t, e, "b DISCONNECT g")

	require.Equal(t, "OK - 203.0.113.7", do(t, e, "a HERE 192.168.1.5 6000"))

	body, err := wire.ParseReply(do(t, e, "m PEERS g ACTIVE"))
	require.NoError(t, err)
	var active []model.PeerInfo
	require.NoError(t, json.Unmarshal([]byte(body), &active))
	require.Len(t, active, 1)
	require.Equal(t, "a", active[0].PeerID)
	require.NotNil(t, active[0].Address)
	require.Equal(t, model.Address{PrivateIP: "192.168.1.5", PrivatePort: "6000", PublicIP: "203.0.113.7"}, *active[0].Address)

	body, err = wire.ParseReply(do(t, e, "m PEERS g ALL"))
	require.NoError(t, err)
	var all []model.PeerInfo
	require.NoError(t, json.Unmarshal([]byte(body), &all))
	require.Len(t, all, 2)
	for _, p := range all {
		require.NotEqual(t, "m", p.PeerID)
		require.Nil(t, p.Address)
	}

	require.Equal(t, "ERROR - IMPOSSIBLE TO LIST PEERS OF GROUP x - GROUP DOESN'T EXIST", do(t, e, "m PEERS x ALL"))
}

func TestEngine_GroupsStatus(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)
	do(t, e, "m CREATE g1 rw ro")
	do(t, e, "m CREATE g2 rw ro")
	do(t, e, "o CREATE g3 rw ro")
	do(t, e, "a JOIN g2 ro")
	do(t, e, "m DISCONNECT g2")

	body, err := wire.ParseReply(do(t, e, "m GROUPS"))
	require.NoError(t, err)
	var got map[string]model.GroupInfo
	require.NoError(t, json.Unmarshal([]byte(body), &got))

	require.Equal(t, model.GroupInfo{Name: "g1", Active: 1, Total: 1, Role: model.RoleMaster, Status: model.StatusActive}, got["g1"])
	require.Equal(t, model.GroupInfo{Name: "g2", Active: 1, Total: 2, Role: model.RoleMaster, Status: model.StatusRestorable}, got["g2"])
	require.Equal(t, model.GroupInfo{Name: "g3", Active: 1, Total: 1, Status: model.StatusOther}, got["g3"])
}

func TestEngine_CatalogMutations(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)
	do(t, e, "m CREATE g rw ro")
	do(t, e, "r JOIN g ro")

	require.Equal(t, "OK - FILES SUCCESSFULLY ADDED",
		do(t, e, `m ADDED_FILES g [{"treePath":"a/b.txt","filesize":3,"timestamp":10},{"treePath":"c.txt","filesize":1,"timestamp":5}]`))
	require.Equal(t, "OK - FILES SUCCESSFULLY UPDATED",
		do(t, e, `m UPDATED_FILES g [{"treePath":"a/b.txt","filesize":4,"timestamp":11},{"treePath":"ghost","filesize":1,"timestamp":1}]`))
	require.Equal(t, "OK - FILES REMOVED FROM THE GROUP", do(t, e, `m REMOVED_FILES g ["c.txt","missing"]`))

	body, err := wire.ParseReply(do(t, e, "r GET_FILES g"))
	require.NoError(t, err)
	files, err := wire.DecodeFiles(body)
	require.NoError(t, err)
	require.Equal(t, []model.FileMeta{{TreePath: "a/b.txt", Filesize: 4, Timestamp: 11}}, files)

	require.Equal(t, "ERROR - IMPOSSIBLE TO ADD FILES - PEER DOESN'T HAVE ENOUGH PRIVILEGE",
		do(t, e, `r ADDED_FILES g [{"treePath":"x","filesize":1,"timestamp":1}]`))
	require.Equal(t, "ERROR - IMPOSSIBLE TO REMOVE FILES - PEER DOESN'T HAVE ENOUGH PRIVILEGE", do(t, e, `r REMOVED_FILES g ["a/b.txt"]`))
	require.Equal(t, "ERROR - IMPOSSIBLE TO UPDATE FILES - PEER DOESN'T BELONG TO THE GROUP",
		do(t, e, `z UPDATED_FILES g [{"treePath":"a/b.txt","filesize":1,"timestamp":1}]`))
	require.Equal(t, "ERROR - IMPOSSIBLE TO ADD FILES - GROUP DOESN'T EXIST", do(t, e, `m ADDED_FILES x []`))
	require.Equal(t, "ERROR - IMPOSSIBLE TO GET FILES OF GROUP g - PEER DOESN'T BELONG TO THE GROUP", do(t, e, "z GET_FILES g"))

	for _, bad := range []string{
		`m ADDED_FILES g __import__('os').system('id')`,
		`m ADDED_FILES g [{"treePath":"../etc","filesize":1,"timestamp":1}]`,
		`m ADDED_FILES g [{"treePath":"a","filesize":-1,"timestamp":1}]`,
		`m REMOVED_FILES g ["a"] []`,
		`m ADDED_FILES g`,
	} {
		reply := do(t, e, bad)
		if !strings.HasPrefix(reply, "ERROR - INVALID REQUEST") {
			t.Fatalf("%q: got %q", bad, reply)
		}
	}
}

func TestEngine_ExitDisconnectsEverywhere(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g1 rw ro")
	do(t, e, "o CREATE g2 rw ro")
	do(t, e, "m JOIN g2 rw")

	require.Equal(t, "OK - PEER DISCONNECTED", do(t, e, "m EXIT"))
	for _, g := range []string{"g1", "g2"} {
		m, ok := member(t, st, g, "m")
		require.True(t, ok)
		require.False(t, m.Active)
	}
}

func TestEngine_InfoAndBye(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	require.Equal(t, `OK - {"ip":"10.147.0.1","port":45154}`, do(t, e, "p INFO"))

	reply, closeConn := e.Handle(context.Background(), "p BYE", "127.0.0.1")
	require.Equal(t, "OK - BYE PEER", reply)
	require.True(t, closeConn)

	_, closeConn = e.Handle(context.Background(), "p INFO", "127.0.0.1")
	require.False(t, closeConn)
}

func TestEngine_RecoversPanics(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)
	e.commands["BOOM"] = command{fn: func(context.Context, Request) (string, error) { panic("kaboom") }, lock: lockWrite}

	require.Equal(t, "ERROR - INTERNAL ERROR", do(t, e, "p BOOM"))
	require.Equal(t, "OK - GROUP g SUCCESSFULLY CREATED", do(t, e, "p CREATE g rw ro"))
}

func TestEngine_ConcurrentAddsNeverLoseUpdates(t *testing.T) {
	t.Parallel()
	e, st := newEngine(t)
	do(t, e, "m CREATE g rw ro")
	do(t, e, "a JOIN g rw")
	do(t, e, "b JOIN g rw")

	const perPeer = 50
	var wg sync.WaitGroup
	for _, peer := range []string{"a", "b"} {
		for i := 0; i < perPeer; i++ {
			wg.Add(1)
			go func(peer string, i int) {
				defer wg.Done()
				line := fmt.Sprintf(`%s ADDED_FILES g [{"treePath":"%s/f%d","filesize":%d,"timestamp":1}]`, peer, peer, i, i)
				if reply := do(t, e, line); reply != "OK - FILES SUCCESSFULLY ADDED" {
					t.Errorf("%s: %s", line, reply)
				}
				do(t, e, "m GET_FILES g")
			}(peer, i)
		}
	}
	wg.Wait()

	require.NoError(t, st.View(func() error {
		g, err := st.Group("g")
		require.NoError(t, err)
		require.Len(t, g.Files(), 2*perPeer)
		return nil
	}))
}

// unlocked fails the test when the store write lock cannot be taken promptly,
// meaning the caller is still holding the store lock.
func unlocked(t *testing.T, st *store.Store, what string) {
	done := make(chan struct{})
	go func() {
		_ = st.Update(func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Errorf("%s ran under the store lock", what)
	}
}

type lockCheckLimiter struct {
	limiter.Limiter
	t  *testing.T
	st *store.Store
}

func (l lockCheckLimiter) Allow(ctx context.Context, g string, ip []byte) (bool, time.Duration, error) {
	unlocked(l.t, l.st, "Allow")
	return l.Limiter.Allow(ctx, g, ip)
}

func (l lockCheckLimiter) Success(ctx context.Context, g string, ip []byte) error {
	unlocked(l.t, l.st, "Success")
	return l.Limiter.Success(ctx, g, ip)
}

func (l lockCheckLimiter) Failure(ctx context.Context, g string, ip []byte) (bool, time.Duration, error) {
	unlocked(l.t, l.st, "Failure")
	return l.Limiter.Failure(ctx, g, ip)
}

type lockCheckRegistry struct {
	registry.Registry
	t  *testing.T
	st *store.Store
}

func (r lockCheckRegistry) Get(ctx context.Context, id string) (model.Address, bool, error) {
	unlocked(r.t, r.st, "Get")
	return r.Registry.Get(ctx, id)
}

func TestEngine_BackendCallsOutsideStoreLock(t *testing.T) {
	t.Parallel()
	st := store.New()
	e := New(st, lockCheckRegistry{Registry: registry.NewMemory(), t: t, st: st},
		WithLogger(zaptest.NewLogger(t)),
		WithJoinLimiter(lockCheckLimiter{Limiter: limiter.NewMemory(time.Minute, 3, time.Hour), t: t, st: st}),
	)

	require.True(t, strings.HasPrefix(do(t, e, "m CREATE g rw ro"), wire.OKPrefix))
	require.True(t, strings.HasPrefix(do(t, e, "p JOIN g bad"), wire.ErrorPrefix))
	require.Equal(t, "OK - GROUP g JOINED IN ReadWrite MODE", do(t, e, "p JOIN g rw"))
	require.True(t, strings.HasPrefix(do(t, e, "p HERE 192.168.0.2 4000"), wire.OKPrefix))

	reply := do(t, e, "m PEERS g ACTIVE")
	require.True(t, strings.HasPrefix(reply, wire.OKPrefix), reply)
	var peers []model.PeerInfo
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(reply, wire.OKPrefix)), &peers))
	require.Len(t, peers, 1)
	require.NotNil(t, peers[0].Address)
	require.Equal(t, "192.168.0.2", peers[0].Address.PrivateIP)
}
