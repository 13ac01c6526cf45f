// Package datasets defines the dataset descriptors consumed by the OOD
// evaluation.
//
// A Config is a lightweight description of a dataset -- name, batch size and
// a loader -- that is only materialized into a train.Dataset when Load is
// called. Every Load yields a fresh iterable, so descriptors can be re-bound
// (e.g. to a different batch size) and loaded multiple times.
//
// Batches follow the (input, label, weight) convention: one inputs tensor and
// a labels slice holding the integer class labels followed by the per-example
// weights.
package datasets

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoaderFn materializes a dataset into a fresh train.Dataset, already bound
// to the given batch size.
type LoaderFn func(backend backends.Backend, batchSize int, dropIncomplete bool) (train.Dataset, error)

// Config describes a dataset before it is materialized.
//
// The zero value is not usable: a Loader is required. Use the From* builders
// or fill the fields directly.
type Config struct {
	// Name identifies the dataset in logs and progress bars.
	Name string

	// BatchSize the dataset is loaded with. Must be positive at Load time.
	BatchSize int

	// DropIncomplete drops the last batch if it has fewer than BatchSize
	// examples.
	DropIncomplete bool

	// Loader materializes the dataset.
	Loader LoaderFn
}

// WithBatchSize returns a copy of the descriptor bound to the given batch
// size. The receiver is not modified.
func (c Config) WithBatchSize(batchSize int) Config {
	c.BatchSize = batchSize
	return c
}

// Load materializes the descriptor into a fresh train.Dataset.
func (c Config) Load(backend backends.Backend) (train.Dataset, error) {
	if c.Loader == nil {
		return nil, errors.Errorf("dataset %q has no loader configured", c.Name)
	}
	if c.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q batch size must be positive, got %d", c.Name, c.BatchSize)
	}
	ds, err := c.Loader(backend, c.BatchSize, c.DropIncomplete)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading dataset %q", c.Name)
	}
	return ds, nil
}

// FromTensors returns a descriptor over in-memory values.
//
// inputs must have the examples in the leading axis; labels holds one integer
// class label per example. weights may be nil, in which case every example
// weighs 1.
func FromTensors(name string, inputs, labels, weights *tensors.Tensor) Config {
	return Config{
		Name: name,
		Loader: func(backend backends.Backend, batchSize int, dropIncomplete bool) (train.Dataset, error) {
			return inMemory(backend, name, inputs, labels, weights, batchSize, dropIncomplete)
		},
	}
}

// FromNpz returns a descriptor backed by a numpy .npz archive holding the
// inputs and labels under the given array names. Weights default to 1 for
// every example.
//
// The archive is only read when the descriptor is loaded.
func FromNpz(name, path, inputsKey, labelsKey string) Config {
	return Config{
		Name: name,
		Loader: func(backend backends.Backend, batchSize int, dropIncomplete bool) (train.Dataset, error) {
			arrays, err := numpy.FromNpzFile(path)
			if err != nil {
				return nil, errors.WithMessagef(err, "reading %q", path)
			}
			inputs, found := arrays[inputsKey]
			if !found {
				return nil, errors.Errorf("%q has no array %q", path, inputsKey)
			}
			labels, found := arrays[labelsKey]
			if !found {
				return nil, errors.Errorf("%q has no array %q", path, labelsKey)
			}
			klog.V(1).Infof("dataset %q: %s examples from %q", name,
				humanize.Comma(int64(numExamples(labels))), path)
			return inMemory(backend, name, inputs, labels, nil, batchSize, dropIncomplete)
		},
	}
}

func inMemory(backend backends.Backend, name string, inputs, labels, weights *tensors.Tensor,
	batchSize int, dropIncomplete bool) (train.Dataset, error) {
	if weights == nil {
		ones := make([]float32, numExamples(labels))
		for i := range ones {
			ones[i] = 1
		}
		weights = tensors.FromValue(ones)
	}
	mds, err := datasets.InMemoryFromData(backend, name,
		[]any{inputs}, []any{labels, weights})
	if err != nil {
		return nil, err
	}
	return mds.BatchSize(batchSize, dropIncomplete), nil
}

func numExamples(t *tensors.Tensor) int {
	if t.Shape().IsScalar() {
		return 0
	}
	return t.Shape().Dimensions[0]
}
