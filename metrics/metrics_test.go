package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestROCAUC(t *testing.T) {
	// One negative inside the positive score range: 2 of the 3
	// positive/negative pairs are ranked correctly.
	classes := []bool{true, false, true, true}
	scores := []float64{0.1, 0.35, 0.4, 0.8}
	auc, err := ROCAUC(classes, scores)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, auc, 1e-9)

	// Perfect separation.
	auc, err = ROCAUC([]bool{false, false, true, true}, []float64{0.1, 0.2, 0.8, 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, auc, 1e-9)

	// Perfectly inverted scores.
	auc, err = ROCAUC([]bool{true, true, false, false}, []float64{0.1, 0.2, 0.8, 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, auc, 1e-9)
}

func TestROCCurveOrdering(t *testing.T) {
	// The curve comes ordered by descending threshold: the first point is the
	// classify-nothing corner (0, 0), the last the classify-everything corner
	// (1, 1), and both rates ascend in between. ROCAUC and FPRAtTPR rely on
	// this ordering; it must survive gonum upgrades.
	classes := []bool{true, false, true, true}
	scores := []float64{0.1, 0.35, 0.4, 0.8}
	tpr, fpr, err := rocCurve(classes, scores)
	require.NoError(t, err)
	require.Equal(t, len(tpr), len(fpr))
	require.NotEmpty(t, tpr)

	assert.Equal(t, 0.0, tpr[0])
	assert.Equal(t, 0.0, fpr[0])
	assert.Equal(t, 1.0, tpr[len(tpr)-1])
	assert.Equal(t, 1.0, fpr[len(fpr)-1])
	for i := 1; i < len(tpr); i++ {
		assert.GreaterOrEqual(t, tpr[i], tpr[i-1], "true-positive rate must ascend (point %d)", i)
		assert.GreaterOrEqual(t, fpr[i], fpr[i-1], "false-positive rate must ascend (point %d)", i)
	}

	// Pin the full curve for this input: thresholds +Inf, 0.8, 0.4, 0.35, 0.1.
	assert.InDeltaSlice(t, []float64{0, 1.0 / 3, 2.0 / 3, 2.0 / 3, 1}, tpr, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0, 0, 1, 1}, fpr, 1e-9)
}

func TestROCAUCDegenerate(t *testing.T) {
	_, err := ROCAUC([]bool{true, true, true}, []float64{0.1, 0.2, 0.3})
	require.Error(t, err)
	_, err = ROCAUC([]bool{false, false, false}, []float64{0.1, 0.2, 0.3})
	require.Error(t, err)
}

func TestFPRAtTPR(t *testing.T) {
	// Negatives at 0.2 and 0.55; positives at 0.5, 0.6, 0.7, 0.8. Full recall
	// requires admitting everything down to 0.5, which includes the 0.55
	// negative.
	classes := []bool{false, false, true, true, true, true}
	scores := []float64{0.2, 0.55, 0.5, 0.6, 0.7, 0.8}

	fpr, err := FPRAtTPR(classes, scores, 0.95)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, fpr, 1e-9)

	// 3 of 4 positives are separable without admitting any negative.
	fpr, err = FPRAtTPR(classes, scores, 0.75)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, fpr, 1e-9)
}

func TestFPRAtTPRMonotonicInTarget(t *testing.T) {
	classes := []bool{false, true, false, true, true, false, true, true}
	scores := []float64{0.1, 0.2, 0.45, 0.5, 0.6, 0.65, 0.7, 0.9}
	prev := 0.0
	for _, target := range []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 1.0} {
		fpr, err := FPRAtTPR(classes, scores, target)
		require.NoError(t, err, "target %g", target)
		assert.GreaterOrEqual(t, fpr, prev, "raising the TPR target must not lower the FPR (target %g)", target)
		prev = fpr
	}
}

func TestFPRAtTPRDegenerate(t *testing.T) {
	_, err := FPRAtTPR([]bool{false, false}, []float64{0.1, 0.9}, 0.95)
	require.Error(t, err)
}

func TestAccuracy(t *testing.T) {
	assert.Equal(t, 1.0, Accuracy([]int{1, 2, 3}, []int{1, 2, 3}))
	assert.Equal(t, 0.0, Accuracy([]int{1, 2}, []int{2, 1}))
	assert.InDelta(t, 0.75, Accuracy([]bool{true, true, false, false}, []bool{true, true, false, true}), 1e-9)
}

func TestPercentile(t *testing.T) {
	values := make([]float64, 0, 100)
	for i := 0; i < 95; i++ {
		values = append(values, 0.9)
	}
	for i := 0; i < 5; i++ {
		values = append(values, 0.1)
	}
	threshold := Percentile(values, 5)
	assert.Equal(t, 0.1, threshold)
	assert.Equal(t, 0.9, Percentile(values, 50))

	// Classification against the threshold is reproducible from the raw
	// values: exactly the 95 high-confidence entries clear it.
	var above int
	for _, v := range values {
		if v > threshold {
			above++
		}
	}
	assert.Equal(t, 95, above)
}
