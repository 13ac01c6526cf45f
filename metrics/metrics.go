// Package metrics implements the scalar statistics used by the
// out-of-distribution evaluation: ROC AUC, false-positive rate at a target
// true-positive rate, accuracy and percentile thresholds.
//
// The ROC machinery is built on gonum's stat package. Points of the curve
// follow gonum's convention: ordered by descending threshold, starting at
// +Inf, where tpr[i] and fpr[i] are the rates obtained when classifying
// score >= thresh[i] as positive. Both rates therefore ascend from (0, 0) to
// (1, 1) along the curve.
package metrics

import (
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// rocCurve computes the ROC curve of scores predicting classes.
// It returns an error when classes are degenerate (all true or all false):
// one of the rates is then a division by zero and the curve is undefined.
func rocCurve(classes []bool, scores []float64) (tpr, fpr []float64, err error) {
	if len(classes) != len(scores) {
		exceptions.Panicf("metrics: %d classes for %d scores", len(classes), len(scores))
	}
	var numPositives int
	for _, class := range classes {
		if class {
			numPositives++
		}
	}
	if numPositives == 0 || numPositives == len(classes) {
		return nil, nil, errors.Errorf(
			"metrics: ROC curve undefined, all %d examples belong to a single class", len(classes))
	}

	// stat.ROC requires the scores sorted ascending; sort copies to leave the
	// caller's slices untouched.
	y := make([]float64, len(scores))
	copy(y, scores)
	labeled := make([]bool, len(classes))
	copy(labeled, classes)
	stat.SortWeightedLabeled(y, labeled, nil)

	tpr, fpr, _ = stat.ROC(nil, y, labeled, nil)
	return tpr, fpr, nil
}

// ROCAUC returns the area under the ROC curve of scores predicting classes.
//
// It returns an error for degenerate (single-class) input, where the curve is
// undefined.
func ROCAUC(classes []bool, scores []float64) (float64, error) {
	tpr, fpr, err := rocCurve(classes, scores)
	if err != nil {
		return 0, err
	}
	// The false-positive rate ascends along the curve, which is the ordering
	// Trapezoidal requires.
	return integrate.Trapezoidal(fpr, tpr), nil
}

// FPRAtTPR returns the false-positive rate at the ROC point with the smallest
// false-positive rate whose true-positive rate is at least minTPR.
//
// It returns an error for degenerate (single-class) input, or if no threshold
// reaches minTPR.
func FPRAtTPR(classes []bool, scores []float64, minTPR float64) (float64, error) {
	if minTPR <= 0 || minTPR > 1 {
		exceptions.Panicf("metrics: minTPR must be in (0, 1], got %g", minTPR)
	}
	tpr, fpr, err := rocCurve(classes, scores)
	if err != nil {
		return 0, err
	}
	// Both rates ascend along the curve, so the first point meeting minTPR
	// carries the smallest false-positive rate.
	for i := range tpr {
		if tpr[i] >= minTPR {
			return fpr[i], nil
		}
	}
	return 0, errors.Errorf("metrics: no threshold reaches a true-positive rate of %g", minTPR)
}

// Accuracy returns the fraction of predictions that match truth.
func Accuracy[T comparable](truth, predictions []T) float64 {
	if len(truth) != len(predictions) {
		exceptions.Panicf("metrics: %d truth values for %d predictions", len(truth), len(predictions))
	}
	if len(truth) == 0 {
		exceptions.Panicf("metrics: accuracy of empty slices is undefined")
	}
	var matches int
	for i, t := range truth {
		if t == predictions[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(truth))
}

// Percentile returns the p-th percentile (p in [0, 100]) of values, using the
// empirical distribution: the smallest sample at or above the requested
// cumulative fraction. No interpolation between samples.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		exceptions.Panicf("metrics: percentile of an empty slice is undefined")
	}
	if p < 0 || p > 100 {
		exceptions.Panicf("metrics: percentile must be in [0, 100], got %g", p)
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(p/100.0, stat.Empirical, sorted, nil)
}
