// odineval scores a checkpointed classifier with the ODIN out-of-distribution
// detection recipe: it perturbs each input against the model's own top-1
// prediction, re-scores it with a temperature-scaled softmax and reports how
// well the resulting confidences separate the in-distribution dataset from
// the out-of-distribution one.
//
// Both datasets are .npz files with an inputs array and a labels array, e.g.:
//
//	odineval -checkpoint ~/work/cifar10-model \
//	    -in_data cifar10_test.npz -ood_data svhn_test.npz -num_classes 10
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/JanDiers/ood-detection/datasets"
	"github.com/JanDiers/ood-detection/models"
	"github.com/JanDiers/ood-detection/odin"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory to load the trained model checkpoint from. Required.")
	flagInData     = flag.String("in_data", "", "Path to the in-distribution dataset (.npz). Required.")
	flagOODData    = flag.String("ood_data", "", "Path to the out-of-distribution dataset (.npz). Required.")
	flagInputsKey  = flag.String("inputs_key", "x", "Name of the inputs array inside the .npz files.")
	flagLabelsKey  = flag.String("labels_key", "y", "Name of the labels array inside the .npz files.")
	flagNumClasses = flag.Int("num_classes", 10, "Number of classes of the checkpointed classifier.")
	flagStrategy   = flag.String("strategy", "", "Backend configuration, \"<backend>:<config>\" (e.g. \"xla:cpu\"). Empty selects the default.")

	flagTemperature = flag.Float64("temperature", 2.0, "Temperature dividing the logits during perturbation and scoring.")
	flagEpsilon     = flag.Float64("epsilon", 0.3, "Magnitude of the gradient-sign perturbation. 0 disables it.")
	flagBatchSize   = flag.Int("batch_size", 16, "Batch size used while scoring both datasets.")
	flagPercentile  = flag.Float64("percentile", 5, "Percentile of the in-distribution confidence used as OOD threshold.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	for name, value := range map[string]string{
		"-checkpoint": *flagCheckpoint,
		"-in_data":    *flagInData,
		"-ood_data":   *flagOODData,
	} {
		if value == "" {
			klog.Errorf("Missing required flag %s. See 'odineval -help'.", name)
			os.Exit(1)
		}
	}

	modelCfg := &models.Config{
		Strategy:          *flagStrategy,
		InDistribution:    datasets.FromNpz("in-distribution", *flagInData, *flagInputsKey, *flagLabelsKey),
		OutOfDistribution: datasets.FromNpz("out-of-distribution", *flagOODData, *flagInputsKey, *flagLabelsKey),
		CheckpointPath:    *flagCheckpoint,
		NumClasses:        *flagNumClasses,
	}
	cfg := odin.Config{
		Temperature: *flagTemperature,
		Epsilon:     *flagEpsilon,
		BatchSize:   *flagBatchSize,
		Percentile:  *flagPercentile,
	}

	var results odin.Results
	err := exceptions.TryCatch[error](func() {
		backend := modelCfg.NewBackend()
		klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())
		results = must.M1(odin.Evaluate(backend, modelCfg, cfg))
	})
	if err != nil {
		klog.Errorf("Evaluation failed:\n%+v", err)
		os.Exit(1)
	}

	fmt.Println(resultsTable(results).Render())
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func resultsTable(results odin.Results) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			} else {
				s = s.Align(lipgloss.Right)
			}
			return
		})
	table.Row("Metric", "Value")
	for _, key := range odin.ResultKeys {
		value := results[key]
		if key == odin.KeyAnomalyAUC && value == odin.AUCUndefined {
			table.Row(key, "undefined (single-class labels)")
			continue
		}
		table.Row(key, fmt.Sprintf("%.6f", value))
	}
	return table
}
