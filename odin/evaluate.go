package odin

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/JanDiers/ood-detection/datasets"
	"github.com/JanDiers/ood-detection/metrics"
	"github.com/JanDiers/ood-detection/models"
)

// Result keys produced by Evaluate, in computation order.
const (
	KeyClassificationError = "classification error"
	KeyOODError            = "OOD error"
	KeyOODAUC              = "OOD AUC"
	KeyAnomalyAUC          = "AUC anomaly score and misclassification"
	KeyFPRAt95TPR          = "FPR at 95% TPR"
)

// ResultKeys lists the keys of a Results mapping in computation order.
var ResultKeys = []string{
	KeyClassificationError,
	KeyOODError,
	KeyOODAUC,
	KeyAnomalyAUC,
	KeyFPRAt95TPR,
}

// AUCUndefined is stored under KeyAnomalyAUC when the anomaly-score AUC is
// undefined -- all in-distribution predictions correct, or all incorrect --
// instead of failing the evaluation.
const AUCUndefined = -123456789

// Results maps metric names (the Key* constants) to their values.
type Results map[string]float64

// Evaluate restores the model described by modelCfg from its checkpoint,
// rebuilds it as a logit-output model, scores both of its datasets with the
// ODIN recipe and returns the OOD discrimination metrics.
//
// Any data-shape or checkpoint error aborts the evaluation; only the
// anomaly-score AUC degenerate case is recovered (see AUCUndefined).
func Evaluate(backend backends.Backend, modelCfg *models.Config, cfg Config) (Results, error) {
	ctx := modelCfg.NewContext()
	if err := modelCfg.LoadCheckpoint(ctx); err != nil {
		return nil, err
	}
	// All variables come from the checkpoint: creating new ones past this
	// point is a bug.
	ctx = ctx.Reuse()

	return EvaluateModelFn(backend, ctx, modelCfg.LogitsModelFn(),
		modelCfg.InDistribution, modelCfg.OutOfDistribution, cfg)
}

// EvaluateModelFn is the core of Evaluate, for callers that already hold a
// prepared context and logit-output model function.
//
// Both dataset descriptors are re-bound to cfg.BatchSize before loading,
// overriding whatever batch size they carry.
func EvaluateModelFn(backend backends.Backend, ctx *context.Context, logitsFn train.ModelFn,
	inDistribution, outOfDistribution datasets.Config, cfg Config) (Results, error) {

	inCfg := inDistribution.WithBatchSize(cfg.BatchSize)
	oodCfg := outOfDistribution.WithBatchSize(cfg.BatchSize)

	inDS, err := inCfg.Load(backend)
	if err != nil {
		return nil, err
	}
	oodDS, err := oodCfg.Load(backend)
	if err != nil {
		return nil, err
	}

	fmt.Printf("ODIN: %s vs. %s\n", inCfg.Name, oodCfg.Name)
	scorer := NewScorer(backend, ctx, logitsFn, cfg)
	predIn, err := scorer.Score(inDS)
	if err != nil {
		return nil, err
	}
	predOOD, err := scorer.Score(oodDS)
	if err != nil {
		return nil, err
	}

	inDS.Reset()
	truth, err := gatherLabels(inDS)
	if err != nil {
		return nil, err
	}
	if len(truth) != predIn.NumRows() {
		return nil, errors.Errorf("dataset %q yielded %d labels for %d scored examples",
			inCfg.Name, len(truth), predIn.NumRows())
	}

	results := make(Results, len(ResultKeys))

	predicted := predIn.ArgMaxPerRow()
	classificationError := 1.0 - metrics.Accuracy(truth, predicted)
	results[KeyClassificationError] = classificationError
	fmt.Println("Classification Error on dataset:", classificationError)

	// Combined matrix: OOD rows first, then in-distribution rows. Domain
	// label is true for in-distribution.
	combined := make(Confidences, 0, predOOD.NumRows()+predIn.NumRows())
	combined = append(combined, predOOD...)
	combined = append(combined, predIn...)
	domain := make([]bool, len(combined))
	for i := predOOD.NumRows(); i < len(domain); i++ {
		domain[i] = true
	}

	inMax := predIn.MaxPerRow()
	threshold := metrics.Percentile(inMax, cfg.Percentile)
	klog.V(1).Infof("OOD threshold (percentile %g of in-distribution confidence): %v", cfg.Percentile, threshold)

	// An example counts as in-distribution when any of its class
	// probabilities clears the threshold -- kept literally from the reference
	// implementation, which checks all classes rather than only the max.
	predictedInDomain := make([]bool, len(combined))
	for i, row := range combined {
		for _, p := range row {
			if p > threshold {
				predictedInDomain[i] = true
				break
			}
		}
	}
	oodError := 1.0 - metrics.Accuracy(domain, predictedInDomain)
	results[KeyOODError] = oodError
	fmt.Println("OOD Error:", oodError)

	combinedMax := combined.MaxPerRow()
	oodAUC, err := metrics.ROCAUC(domain, combinedMax)
	if err != nil {
		return nil, err
	}
	results[KeyOODAUC] = oodAUC
	fmt.Println("OOD Area under Curve:", oodAUC)

	// Does low confidence predict misclassification on the in-distribution
	// set? Undefined when the predictions are all correct or all wrong.
	erroneous := make([]bool, len(truth))
	for i := range truth {
		erroneous[i] = truth[i] != predicted[i]
	}
	anomalyAUC, defined := aucOrUndefined(erroneous, inMax)
	if !defined {
		anomalyAUC = AUCUndefined
	}
	results[KeyAnomalyAUC] = anomalyAUC

	fpr, err := metrics.FPRAtTPR(domain, combinedMax, 0.95)
	if err != nil {
		return nil, err
	}
	results[KeyFPRAt95TPR] = fpr
	fmt.Println("FPR at 95% TPR:", fpr)

	return results, nil
}

// aucOrUndefined returns the ROC AUC and whether it is defined: single-class
// labels leave no curve to integrate.
func aucOrUndefined(classes []bool, scores []float64) (auc float64, defined bool) {
	auc, err := metrics.ROCAUC(classes, scores)
	if err != nil {
		return 0, false
	}
	return auc, true
}

// gatherLabels concatenates the label field of every batch, in iteration
// order.
func gatherLabels(ds train.Dataset) ([]int, error) {
	var all []int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading labels of dataset %q", ds.Name())
		}
		if len(labels) == 0 {
			return nil, errors.Errorf("dataset %q yielded a batch without labels", ds.Name())
		}
		values, err := intLabels(labels[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "reading labels of dataset %q", ds.Name())
		}
		all = append(all, values...)
		finalizeAll(inputs, labels)
	}
	return all, nil
}

func intLabels(t *tensors.Tensor) ([]int, error) {
	var values []int
	switch t.Shape().DType {
	case dtypes.Int32:
		flat := tensors.MustCopyFlatData[int32](t)
		values = make([]int, len(flat))
		for i, v := range flat {
			values[i] = int(v)
		}
	case dtypes.Int64:
		flat := tensors.MustCopyFlatData[int64](t)
		values = make([]int, len(flat))
		for i, v := range flat {
			values[i] = int(v)
		}
	case dtypes.Uint8:
		flat := tensors.MustCopyFlatData[uint8](t)
		values = make([]int, len(flat))
		for i, v := range flat {
			values[i] = int(v)
		}
	default:
		return nil, errors.Errorf("unsupported labels dtype %s", t.Shape().DType)
	}
	return values, nil
}
