package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	optimizerSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_optimizer_steps_total",
		Help: "Optimizer steps taken",
	})
	trainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_train_loss",
		Help: "Mean training loss since the last optimizer step log",
	})
	trainMLMLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_train_mlm_loss",
		Help: "Mean masked-LM training loss since the last optimizer step log",
	})
	trainNSPLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_train_nsp_loss",
		Help: "Mean next-sentence training loss since the last optimizer step log",
	})
	learningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_learning_rate",
		Help: "Learning rate of the most recent optimizer step",
	})
	gradientNorm = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_gradient_norm",
		Help: "Pre-clip global gradient norm of the most recent optimizer step",
	})
	evalLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_eval_loss",
		Help: "Mean dev-set loss of the most recent evaluation",
	})
	evaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_evaluations_total",
		Help: "Dev-set evaluations run",
	})
)
