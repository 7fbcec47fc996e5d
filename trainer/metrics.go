package trainer

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/cytomil/cytomil/data"
	"github.com/cytomil/cytomil/model"
)

// TaskMetrics is one task's evaluation over the labeled bags of a set.
// Accuracy is set for categorical tasks, RMSE for continuous ones. Labeled
// counts the bags that actually carried a label; unlabeled bags are ignored,
// they are not mistakes.
type TaskMetrics struct {
	Name     string
	Accuracy float64
	RMSE     float64
	Labeled  int
}

// Metrics is the per-task evaluation result of Evaluate.
type Metrics struct {
	Tasks []TaskMetrics
}

// Evaluate predicts every bag in the set and scores each task against the
// bags' labels.
func Evaluate(m *model.Model, set *data.BagSet) (*Metrics, error) {
	if set == nil || set.NumBags() == 0 {
		return nil, errors.New("bag set is nil or empty")
	}
	pred, err := m.Predict(set.Table)
	if err != nil {
		return nil, err
	}

	out := &Metrics{}
	for t, tc := range m.Cfg.Tasks {
		tm := TaskMetrics{Name: tc.Name}
		var scores []float64
		for i, id := range pred.SampleIDs {
			bag := set.BagByID(id)
			if bag == nil {
				return nil, errors.Errorf("predicted sample %q not in bag set", id)
			}
			label := bag.LabelAt(t)
			if !label.Present {
				continue
			}
			tm.Labeled++
			if tc.IsCategorical() {
				if argmax(pred.Tasks[t].Probs[i]) == label.Class {
					scores = append(scores, 1)
				} else {
					scores = append(scores, 0)
				}
			} else {
				d := pred.Tasks[t].Values[i] - label.Value
				scores = append(scores, d*d)
			}
		}
		if tm.Labeled > 0 {
			if tc.IsCategorical() {
				tm.Accuracy = stat.Mean(scores, nil)
			} else {
				tm.RMSE = math.Sqrt(stat.Mean(scores, nil))
			}
		}
		out.Tasks = append(out.Tasks, tm)
	}
	return out, nil
}

func argmax(probs []float32) int {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}
