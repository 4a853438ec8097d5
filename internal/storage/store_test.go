package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/pkg/types"
)

// storeFactories lets every contract test run against both implementations.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(types.DefaultScope)
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewEmbeddedStore(t.TempDir(), types.DefaultScope, logging.NewNoopLogger())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func initStore(t *testing.T, factory func(t *testing.T) Store) Store {
	t.Helper()
	s := factory(t)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func newMessage(convID, text, scope string, tags []string, ts time.Time) *types.ConversationMemory {
	return &types.ConversationMemory{
		ID:             types.NewID(),
		ConversationID: convID,
		Speaker:        types.SpeakerUser,
		Text:           text,
		Scope:          scope,
		Tags:           tags,
		Timestamp:      ts,
	}
}

func TestInitializeBootstrapsDefaultScope(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()

			// Idempotent: a second initialize must not fail on the
			// existing default scope.
			require.NoError(t, s.Initialize(ctx))

			scope, err := s.GetScope(ctx, types.DefaultScope)
			require.NoError(t, err)
			assert.Equal(t, types.DefaultScope, scope.ScopeName)
			assert.True(t, scope.Active)
		})
	}
}

func TestConversationRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()

			m := newMessage("conv-1", "remember the milk", "Global", []string{"errand"}, time.Now().UTC().Truncate(time.Millisecond))
			require.NoError(t, s.InsertConversation(ctx, m))

			got, err := s.GetConversation(ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, m.Text, got.Text)
			assert.Equal(t, m.Tags, got.Tags)
			assert.True(t, m.Timestamp.Equal(got.Timestamp))

			_, err = s.GetConversation(ctx, "missing")
			assert.True(t, memerr.Is(err, memerr.KindNotFound))
		})
	}
}

func TestFindConversationsOrderingAndFilters(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			older := newMessage("conv-1", "We discussed the Mars mission", "Global", []string{"space"}, base)
			newer := newMessage("conv-1", "Tell me about rover batteries", "Global", []string{"space", "hardware"}, base.Add(time.Minute))
			other := newMessage("conv-2", "Grocery list for the week", "Work", nil, base.Add(2*time.Minute))
			for _, m := range []*types.ConversationMemory{older, newer, other} {
				require.NoError(t, s.InsertConversation(ctx, m))
			}

			// Newest first.
			all, err := s.FindConversations(ctx, nil)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, other.ID, all[0].ID)
			assert.Equal(t, newer.ID, all[1].ID)
			assert.Equal(t, older.ID, all[2].ID)

			// Scope filter.
			got, err := s.FindConversations(ctx, &ConversationFilter{Scope: "Work"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, other.ID, got[0].ID)

			// Tag filter matches set membership, not substrings.
			got, err = s.FindConversations(ctx, &ConversationFilter{Tag: "hardware"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, newer.ID, got[0].ID)

			// Case-insensitive substring.
			got, err = s.FindConversations(ctx, &ConversationFilter{TextContains: "mars"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, older.ID, got[0].ID)

			// Time range is inclusive on both ends.
			got, err = s.FindConversations(ctx, &ConversationFilter{
				TimeRange: &types.TimeRange{From: base, To: base.Add(time.Minute)},
			})
			require.NoError(t, err)
			assert.Len(t, got, 2)

			// Limit applies after ordering.
			got, err = s.FindConversations(ctx, &ConversationFilter{Limit: 1})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, other.ID, got[0].ID)
		})
	}
}

func TestMassDeletesReturnRemovedIDs(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			keep := newMessage("conv-1", "keep me", "Global", nil, base)
			scoped := newMessage("conv-2", "scoped one", "ProjectX", nil, base)
			tagged := newMessage("conv-3", "tagged one", "Global", []string{"obsolete"}, base)
			old := newMessage("conv-4", "ancient", "Global", nil, base.AddDate(-1, 0, 0))
			for _, m := range []*types.ConversationMemory{keep, scoped, tagged, old} {
				require.NoError(t, s.InsertConversation(ctx, m))
			}

			ids, err := s.DeleteConversationsByScope(ctx, "ProjectX")
			require.NoError(t, err)
			assert.Equal(t, []string{scoped.ID}, ids)

			ids, err = s.DeleteConversationsByTag(ctx, "obsolete")
			require.NoError(t, err)
			assert.Equal(t, []string{tagged.ID}, ids)

			ids, err = s.DeleteConversationsOlderThan(ctx, base.AddDate(0, -6, 0))
			require.NoError(t, err)
			assert.Equal(t, []string{old.ID}, ids)

			n, err := s.CountConversations(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestIndexUpsertReplacesBySourceID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()

			first := &types.MemoryIndexItem{
				ID:               types.NewID(),
				SourceID:         "doc-1",
				SourceCollection: types.SourceConversationHistory,
				Scope:            "Global",
				Embedding:        []float64{1, 0, 0},
			}
			require.NoError(t, s.UpsertIndexEntry(ctx, first))

			second := &types.MemoryIndexItem{
				ID:               types.NewID(),
				SourceID:         "doc-1",
				SourceCollection: types.SourceConversationHistory,
				Scope:            "Global",
				Embedding:        []float64{0, 1, 0},
			}
			require.NoError(t, s.UpsertIndexEntry(ctx, second))

			// source_id is unique: the second write replaced the first.
			n, err := s.CountIndexEntries(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			got, err := s.GetIndexBySourceID(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, []float64{0, 1, 0}, got.Embedding)
		})
	}
}

func TestIndexCascadeDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()

			for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
				require.NoError(t, s.UpsertIndexEntry(ctx, &types.MemoryIndexItem{
					ID:               types.NewID(),
					SourceID:         id,
					SourceCollection: types.SourceConversationHistory,
					Scope:            "Global",
					Embedding:        []float64{1},
				}))
			}

			n, err := s.DeleteIndexBySourceIDs(ctx, []string{"doc-1", "doc-3", "absent"})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			removed, err := s.DeleteIndexBySourceID(ctx, "doc-2")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = s.DeleteIndexBySourceID(ctx, "doc-2")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestCreateScopeDuplicateIsIntegrityError(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()

			scope := &types.MemoryScope{
				ID:        types.NewID(),
				ScopeName: "ProjectX",
				CreatedAt: time.Now().UTC(),
				Active:    true,
			}
			require.NoError(t, s.CreateScope(ctx, scope))

			dup := &types.MemoryScope{
				ID:        types.NewID(),
				ScopeName: "ProjectX",
				CreatedAt: time.Now().UTC(),
				Active:    true,
			}
			err := s.CreateScope(ctx, dup)
			assert.True(t, memerr.Is(err, memerr.KindStoreIntegrity), "got %v", err)
		})
	}
}

func TestDeactivateScopeKeepsDocument(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()

			require.NoError(t, s.CreateScope(ctx, &types.MemoryScope{
				ID: types.NewID(), ScopeName: "Archive", CreatedAt: time.Now().UTC(), Active: true,
			}))
			require.NoError(t, s.DeactivateScope(ctx, "Archive"))

			got, err := s.GetScope(ctx, "Archive")
			require.NoError(t, err)
			assert.False(t, got.Active)

			err = s.DeactivateScope(ctx, "NoSuchScope")
			assert.True(t, memerr.Is(err, memerr.KindNotFound))
		})
	}
}

func TestProfileUpsertKeyedByUserAndKey(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			require.NoError(t, s.UpsertProfileItem(ctx, &types.UserProfileItem{
				ID: types.NewID(), UserID: "u1", Key: "favorite_color", Value: "blue",
				Category: types.CategoryPreferences, Timestamp: now,
			}))
			require.NoError(t, s.UpsertProfileItem(ctx, &types.UserProfileItem{
				ID: types.NewID(), UserID: "u1", Key: "favorite_color", Value: "green",
				Category: types.CategoryPreferences, Timestamp: now.Add(time.Second),
			}))
			require.NoError(t, s.UpsertProfileItem(ctx, &types.UserProfileItem{
				ID: types.NewID(), UserID: "u1", Key: "home_city", Value: "Lisbon",
				Category: types.CategoryFacts, Timestamp: now,
			}))

			items, err := s.GetProfileItems(ctx, "u1", "")
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "green", items[0].Value) // favorite_color sorts first

			facts, err := s.GetProfileItems(ctx, "u1", types.CategoryFacts)
			require.NoError(t, err)
			require.Len(t, facts, 1)
			assert.Equal(t, "home_city", facts[0].Key)
		})
	}
}

func TestSummaryQueries(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			older := &types.SummaryMemory{
				ID: types.NewID(), ConversationID: "conv-1", SummaryText: "first pass",
				Scope: "Global", Timestamp: base,
				TimeRange:   &types.TimeRange{From: base.Add(-time.Hour), To: base},
				MessageRefs: []string{"m1", "m2"},
			}
			newer := &types.SummaryMemory{
				ID: types.NewID(), ConversationID: "conv-1", SummaryText: "second pass",
				Scope: "Global", Timestamp: base.Add(time.Hour),
			}
			require.NoError(t, s.InsertSummary(ctx, older))
			require.NoError(t, s.InsertSummary(ctx, newer))

			got, err := s.GetSummariesByConversation(ctx, "conv-1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, newer.ID, got[0].ID)
			require.NotNil(t, got[1].TimeRange)
			assert.Equal(t, []string{"m1", "m2"}, got[1].MessageRefs)

			latest, err := s.LatestSummariesByScope(ctx, "Global", 1)
			require.NoError(t, err)
			require.Len(t, latest, 1)
			assert.Equal(t, newer.ID, latest[0].ID)
		})
	}
}

func TestStatsAggregations(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := initStore(t, factory)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, s.CreateScope(ctx, &types.MemoryScope{
				ID: types.NewID(), ScopeName: "Empty", CreatedAt: base, Active: true,
			}))
			require.NoError(t, s.InsertConversation(ctx, newMessage("conv-1", "a", "Global", []string{"x", "y"}, base)))
			require.NoError(t, s.InsertConversation(ctx, newMessage("conv-1", "b", "Global", []string{"x"}, base.Add(time.Second))))
			require.NoError(t, s.InsertConversation(ctx, newMessage("conv-2", "c", "Global", nil, base.Add(2*time.Second))))

			ids, err := s.DistinctConversationIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"conv-1", "conv-2"}, ids)

			counts, err := s.CountByScope(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), counts["Global"])
			assert.Equal(t, int64(0), counts["Empty"]) // empty scopes still report

			tags, err := s.TopTags(ctx, 5)
			require.NoError(t, err)
			require.Len(t, tags, 2)
			assert.Equal(t, types.TagCount{Tag: "x", Count: 2}, tags[0])

			size, err := s.SizeBytes(ctx)
			require.NoError(t, err)
			assert.Positive(t, size)
		})
	}
}
