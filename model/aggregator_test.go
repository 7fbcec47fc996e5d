package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPredictAttentionNormalized(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	// Includes a bag of one: its single cell must get weight 1.
	table := randomTable(t, rng, []int{3, 1, 7, 2})
	m, err := New(testBackend(t), testConfig())
	require.NoError(t, err)

	pred, err := m.Predict(table)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d"}, pred.SampleIDs)
	require.Len(t, pred.Attention, 4)

	for i, weights := range pred.Attention {
		sum := 0.0
		for _, w := range weights {
			require.GreaterOrEqual(t, float64(w), 0.0)
			sum += float64(w)
		}
		require.InDelta(t, 1.0, sum, 1e-4, "bag %d", i)
	}
	require.Len(t, pred.Attention[1], 1)
	require.InDelta(t, 1.0, float64(pred.Attention[1][0]), 1e-5)

	require.Len(t, pred.Tasks, 1)
	for _, probs := range pred.Tasks[0].Probs {
		require.Len(t, probs, 2)
		require.InDelta(t, 1.0, float64(probs[0]+probs[1]), 1e-4)
	}
}

func TestPredictPermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	table := randomTable(t, rng, []int{4, 3})
	m, err := New(testBackend(t), testConfig())
	require.NoError(t, err)

	base, err := m.Predict(table)
	require.NoError(t, err)

	// Reverse the cell order within each sample's block. Same cells, same
	// bags, different order.
	perm := []int{3, 2, 1, 0, 6, 5, 4}
	shuffled, err := table.Subset(perm)
	require.NoError(t, err)
	got, err := m.Predict(shuffled)
	require.NoError(t, err)

	require.Equal(t, base.SampleIDs, got.SampleIDs)
	for i := range base.Embeddings {
		for j := range base.Embeddings[i] {
			require.InDelta(t, float64(base.Embeddings[i][j]), float64(got.Embeddings[i][j]), 1e-4)
		}
	}
	for i := range base.Tasks[0].Probs {
		for j := range base.Tasks[0].Probs[i] {
			require.InDelta(t, float64(base.Tasks[0].Probs[i][j]), float64(got.Tasks[0].Probs[i][j]), 1e-4)
		}
	}
}

func TestScoringModes(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	table := randomTable(t, rng, []int{4, 2})
	for _, sc := range []Scoring{ScoringAttention, ScoringGatedAttention, ScoringSum} {
		cfg := testConfig()
		cfg.Scoring = sc
		m, err := New(testBackend(t), cfg)
		require.NoError(t, err)
		pred, err := m.Predict(table)
		require.NoError(t, err)
		for _, weights := range pred.Attention {
			sum := 0.0
			for _, w := range weights {
				sum += float64(w)
			}
			require.InDelta(t, 1.0, sum, 1e-4)
		}
		if sc == ScoringSum {
			// Uniform pooling: every cell of a bag gets the same weight.
			for _, weights := range pred.Attention {
				for _, w := range weights {
					require.InDelta(t, 1.0/float64(len(weights)), float64(w), 1e-5)
				}
			}
		}
	}
}
