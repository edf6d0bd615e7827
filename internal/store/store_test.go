package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/happy-coder/happy/pkg/types"
)

func testStore(t *testing.T, retention int64) *Store {
	t.Helper()
	db, err := NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, retention)
	require.NoError(t, s.CreateAccount(context.Background(), "acc_1", "tok_1"))
	return s
}

func intp(v int64) *int64 { return &v }

func TestAccountTokenLookup(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	id, err := s.AccountIDByToken(ctx, "tok_1")
	require.NoError(t, err)
	require.Equal(t, "acc_1", id)

	_, err = s.AccountIDByToken(ctx, "bogus")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendUpdateAssignsSeqAndVersion(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	ref := types.EntityRef{Kind: types.EntitySession, ID: "ses_1"}

	u1, existing, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, ExpectedVersion: intp(0), LocalID: "l1", Body: []byte("ct1"),
	})
	require.NoError(t, err)
	require.False(t, existing)
	require.Equal(t, int64(1), u1.Seq)
	require.Equal(t, int64(1), u1.Version)

	u2, _, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, ExpectedVersion: intp(1), LocalID: "l2", Body: []byte("ct2"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), u2.Seq)
	require.Equal(t, int64(2), u2.Version)

	version, body, err := s.Entity(ctx, "acc_1", ref)
	require.NoError(t, err)
	require.Equal(t, int64(2), version)
	require.Equal(t, []byte("ct2"), body)
}

func TestAppendUpdateVersionMismatch(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	ref := types.EntityRef{Kind: types.EntityMachine, ID: "mac_1"}

	_, _, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, ExpectedVersion: intp(0), LocalID: "l1", Body: []byte("current"),
	})
	require.NoError(t, err)

	_, _, err = s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, ExpectedVersion: intp(0), LocalID: "l2", Body: []byte("stale"),
	})
	require.True(t, types.IsVersionMismatch(err))

	var rej *types.UpdateRejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, int64(1), rej.CurrentVersion)
	require.Equal(t, []byte("current"), rej.CurrentBody)

	// The refused publish consumed no seq.
	_, lastSeq, err := s.LogBounds(ctx, "acc_1")
	require.NoError(t, err)
	require.Equal(t, int64(1), lastSeq)
}

func TestAppendUpdateLocalIDIdempotent(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	ref := types.EntityRef{Kind: types.EntitySession, ID: "ses_1"}

	first, existing, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, ExpectedVersion: intp(0), LocalID: "retry-me", Body: []byte("ct"),
	})
	require.NoError(t, err)
	require.False(t, existing)

	for i := 0; i < 3; i++ {
		replay, existing, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
			Entity: ref, ExpectedVersion: intp(0), LocalID: "retry-me", Body: []byte("ct"),
		})
		require.NoError(t, err)
		require.True(t, existing)
		require.Equal(t, first.Seq, replay.Seq)
		require.Equal(t, first.Version, replay.Version)
	}

	updates, err := s.UpdatesSince(ctx, "acc_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
}

func TestMessageAppendLeavesVersionAlone(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	ref := types.EntityRef{Kind: types.EntitySession, ID: "ses_1"}

	_, _, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, ExpectedVersion: intp(0), LocalID: "meta", Body: []byte("metadata"),
	})
	require.NoError(t, err)

	msg, _, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, Channel: types.ChannelMessage, LocalID: "m1", Body: []byte("msg-ct"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), msg.Seq)

	version, _, err := s.Entity(ctx, "acc_1", ref)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	msgs, err := s.MessagesSince(ctx, "ses_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(2), msgs[0].Seq)
	require.Equal(t, []byte("msg-ct"), msgs[0].Body)
}

// The ncruces driver owns the name "sqlite3"; migrations run through the
// modernc-backed "sqlite" driver. Both must coexist in one process.
func TestSQLiteDriverNamesCoexist(t *testing.T) {
	db, err := NewDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	names := sql.Drivers()
	require.Contains(t, names, "sqlite3")
	require.Contains(t, names, "sqlite")
}

func TestMessageDedupOutlivesRetention(t *testing.T) {
	s := testStore(t, 2)
	ctx := context.Background()
	ref := types.EntityRef{Kind: types.EntitySession, ID: "ses_1"}

	first, existing, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, Channel: types.ChannelMessage, LocalID: "m-retry", Body: []byte("ct"),
	})
	require.NoError(t, err)
	require.False(t, existing)

	// Push the original update past the retention horizon.
	for i := 0; i < 4; i++ {
		_, _, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
			Entity: ref, Channel: types.ChannelMessage,
			LocalID: fmt.Sprintf("m%d", i), Body: []byte("ct"),
		})
		require.NoError(t, err)
	}
	minSeq, _, err := s.LogBounds(ctx, "acc_1")
	require.NoError(t, err)
	require.Greater(t, minSeq, first.Seq)

	replay, existing, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity: ref, Channel: types.ChannelMessage, LocalID: "m-retry", Body: []byte("ct"),
	})
	require.NoError(t, err)
	require.True(t, existing)
	require.Equal(t, first.Seq, replay.Seq)

	msgs, err := s.MessagesSince(ctx, "ses_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
}

func TestRetentionHorizon(t *testing.T) {
	s := testStore(t, 5)
	ctx := context.Background()
	ref := types.EntityRef{Kind: types.EntitySession, ID: "ses_1"}

	for i := 0; i < 10; i++ {
		_, _, err := s.AppendUpdate(ctx, "acc_1", AppendParams{
			Entity: ref, Channel: types.ChannelMessage,
			LocalID: fmt.Sprintf("m%d", i), Body: []byte("ct"),
		})
		require.NoError(t, err)
	}

	minSeq, lastSeq, err := s.LogBounds(ctx, "acc_1")
	require.NoError(t, err)
	require.Equal(t, int64(10), lastSeq)
	require.Equal(t, int64(6), minSeq)

	updates, err := s.UpdatesSince(ctx, "acc_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, updates, 5)
	require.Equal(t, int64(6), updates[0].Seq)

	// Messages survive pruning for snapshot fetch.
	msgs, err := s.MessagesSince(ctx, "ses_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
}

func TestCreateSessionIdempotentOnTag(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	ses, created, err := s.CreateSession(ctx, "acc_1", "tag-abc")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.CreateSession(ctx, "acc_1", "tag-abc")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, ses.ID, again.ID)

	owner, err := s.SessionAccount(ctx, ses.ID)
	require.NoError(t, err)
	require.Equal(t, "acc_1", owner)
}

func TestArchiveFlagMarksSession(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	ses, _, err := s.CreateSession(ctx, "acc_1", "tag-abc")
	require.NoError(t, err)

	_, _, err = s.AppendUpdate(ctx, "acc_1", AppendParams{
		Entity:  types.EntityRef{Kind: types.EntitySession, ID: ses.ID},
		Channel: types.ChannelMessage, LocalID: "death", Body: []byte("ct"),
		Archive: true,
	})
	require.NoError(t, err)

	loaded, _, _, err := s.GetSession(ctx, "acc_1", ses.ID)
	require.NoError(t, err)
	require.Equal(t, ses.ID, loaded.ID)
}

func TestStaleOnlineMachines(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.UpsertMachine(ctx, "acc_1", "mac_1", types.MachineOnline))
	require.NoError(t, s.UpsertMachine(ctx, "acc_1", "mac_2", types.MachineShutdown))

	// Far-future cutoff: every online machine is stale.
	stale, err := s.StaleOnlineMachines(ctx, now()+60_000)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "mac_1", stale[0].ID)

	require.NoError(t, s.SetMachineState(ctx, "mac_1", types.MachineOffline))
	stale, err = s.StaleOnlineMachines(ctx, now()+60_000)
	require.NoError(t, err)
	require.Empty(t, stale)
}

// Seq assignment is strictly monotonic and versions count entity-channel
// appends exactly, for any interleaving of publishes.
func TestSeqMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		db, err := NewDB(":memory:")
		if err != nil {
			rt.Fatalf("open db: %v", err)
		}
		defer db.Close()

		s := New(db, 0)
		ctx := context.Background()
		if err := s.CreateAccount(ctx, "acc_p", "tok_p"); err != nil {
			rt.Fatalf("create account: %v", err)
		}

		entityIDs := []string{"e1", "e2", "e3"}
		versions := map[string]int64{}
		var lastSeq int64

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(entityIDs).Draw(rt, "entity")
			asMessage := rapid.Bool().Draw(rt, "asMessage")

			p := AppendParams{
				Entity:  types.EntityRef{Kind: types.EntitySession, ID: id},
				LocalID: fmt.Sprintf("l%d", i),
				Body:    []byte("ct"),
			}
			if asMessage {
				p.Channel = types.ChannelMessage
			} else {
				p.ExpectedVersion = intp(versions[id])
			}

			u, existing, err := s.AppendUpdate(ctx, "acc_p", p)
			if err != nil {
				rt.Fatalf("append: %v", err)
			}
			if existing {
				rt.Fatalf("fresh localId reported as existing")
			}
			if u.Seq <= lastSeq {
				rt.Fatalf("seq not increasing: %d after %d", u.Seq, lastSeq)
			}
			lastSeq = u.Seq
			if !asMessage {
				versions[id]++
				if u.Version != versions[id] {
					rt.Fatalf("version mismatch for %s: got %d want %d", id, u.Version, versions[id])
				}
			}
		}
	})
}
