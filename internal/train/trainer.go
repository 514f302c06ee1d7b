package train

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/23skdu/longbow-bowyer/internal/checkpoint"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/corpus"
	"github.com/23skdu/longbow-bowyer/internal/model"
	"github.com/23skdu/longbow-bowyer/internal/optim"
	"github.com/23skdu/longbow-bowyer/internal/tracking"
)

// Options wires a Trainer. Model, Optimizer, Schedule and Train are
// required; Dev, Tracker and Checkpoints are optional.
type Options struct {
	Config      config.RunConfig
	Model       *model.Bert
	Optimizer   *optim.AdamW
	Schedule    *optim.LinearWarmup
	Train       *corpus.Pipeline
	Dev         *corpus.Pipeline
	Tracker     tracking.Tracker
	Checkpoints *checkpoint.Manager
}

// Trainer drives the pretraining loop: micro-batches with gradient
// accumulation, clipping, the warmup schedule, periodic evaluation,
// logging and checkpointing. One Trainer owns one rank's shard.
type Trainer struct {
	cfg     config.RunConfig
	model   *model.Bert
	opt     *optim.AdamW
	sched   *optim.LinearWarmup
	train   *corpus.Pipeline
	dev     *corpus.Pipeline
	tracker tracking.Tracker
	ckpt    *checkpoint.Manager

	globalStep int
	startEpoch int
	startBatch int

	// loss window since the last log line
	lossSum, mlmSum, nspSum float64
	windowBatches           int
}

// New validates the wiring and returns a Trainer positioned at step 0.
func New(opts Options) (*Trainer, error) {
	if opts.Model == nil || opts.Optimizer == nil || opts.Schedule == nil || opts.Train == nil {
		return nil, fmt.Errorf("trainer requires model, optimizer, schedule and train pipeline")
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = tracking.Noop{}
	}
	return &Trainer{
		cfg:     opts.Config,
		model:   opts.Model,
		opt:     opts.Optimizer,
		sched:   opts.Schedule,
		train:   opts.Train,
		dev:     opts.Dev,
		tracker: tracker,
		ckpt:    opts.Checkpoints,
	}, nil
}

// GlobalStep returns the number of optimizer steps taken so far.
func (t *Trainer) GlobalStep() int {
	return t.globalStep
}

// Resume restores the latest checkpoint, if any, and positions the
// trainer to continue mid-run. Returns whether a checkpoint was found.
func (t *Trainer) Resume() (bool, error) {
	if t.ckpt == nil {
		return false, nil
	}
	snap, found, err := t.ckpt.Latest()
	if err != nil {
		return false, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if !found {
		return false, nil
	}

	if err := t.model.LoadStateDict(snap.Weights); err != nil {
		return false, fmt.Errorf("restore weights: %w", err)
	}
	if err := t.opt.Restore(snap.Optimizer); err != nil {
		return false, fmt.Errorf("restore optimizer: %w", err)
	}
	t.sched.SetPosition(snap.SchedulePosition)
	t.globalStep = snap.GlobalStep
	t.startEpoch = snap.Epoch
	t.startBatch = snap.EpochBatch

	log.Info().
		Int("step", snap.GlobalStep).
		Int("epoch", snap.Epoch).
		Int("epoch_batch", snap.EpochBatch).
		Msg("resumed from checkpoint")
	return true, nil
}

// Train runs the remaining epochs. Gradient accumulation carries across
// epoch boundaries so the optimizer takes exactly
// ceil(totalBatches/gradAccSteps) steps; a trailing partial window is
// flushed at the end of the run.
func (t *Trainer) Train(ctx context.Context) error {
	lossScale := 1.0 / float64(t.cfg.GradAccSteps)
	accum := 0

	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		it := t.train.Epoch(epoch)
		batchInEpoch := 0
		if epoch == t.startEpoch && t.startBatch > 0 {
			it.Skip(t.startBatch)
			batchInEpoch = t.startBatch
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			b, ok := it.Next()
			if !ok {
				break
			}

			res, err := t.model.Step(b, lossScale)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %w", epoch, batchInEpoch, err)
			}
			if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
				return fmt.Errorf("epoch %d batch %d: loss is not finite", epoch, batchInEpoch)
			}
			batchInEpoch++
			accum++
			t.lossSum += res.Loss
			t.mlmSum += res.MLMLoss
			t.nspSum += res.NSPLoss
			t.windowBatches++

			if accum == t.cfg.GradAccSteps {
				accum = 0
				if err := t.optimizerStep(ctx, epoch, batchInEpoch); err != nil {
					return err
				}
			}
		}
	}

	if accum > 0 {
		if err := t.optimizerStep(ctx, t.cfg.Epochs-1, t.train.BatchesPerEpoch()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) optimizerStep(ctx context.Context, epoch, batchInEpoch int) error {
	norm := optim.ClipGradients(t.model.Params(), t.cfg.GradClipNorm)
	lr := t.sched.Next()
	t.opt.Step(lr)
	t.model.ZeroGrad()
	t.globalStep++

	optimizerSteps.Inc()
	learningRate.Set(lr)
	gradientNorm.Set(norm)

	if t.cfg.LogEvery > 0 && t.globalStep%t.cfg.LogEvery == 0 {
		t.logWindow(ctx, epoch, lr, norm)
	}
	if t.cfg.EvaluateEvery > 0 && t.dev != nil && t.globalStep%t.cfg.EvaluateEvery == 0 {
		if err := t.runEvaluation(ctx); err != nil {
			return err
		}
	}
	if t.cfg.CheckpointEvery > 0 && t.ckpt != nil && t.globalStep%t.cfg.CheckpointEvery == 0 {
		if err := t.saveCheckpoint(epoch, batchInEpoch); err != nil {
			return fmt.Errorf("checkpoint at step %d: %w", t.globalStep, err)
		}
	}
	return nil
}

func (t *Trainer) logWindow(ctx context.Context, epoch int, lr, norm float64) {
	if t.windowBatches == 0 {
		return
	}
	n := float64(t.windowBatches)
	loss, mlm, nsp := t.lossSum/n, t.mlmSum/n, t.nspSum/n
	t.lossSum, t.mlmSum, t.nspSum, t.windowBatches = 0, 0, 0, 0

	trainLoss.Set(loss)
	trainMLMLoss.Set(mlm)
	trainNSPLoss.Set(nsp)

	log.Info().
		Int("step", t.globalStep).
		Int("epoch", epoch).
		Float64("loss", loss).
		Float64("mlm_loss", mlm).
		Float64("nsp_loss", nsp).
		Float64("lr", lr).
		Float64("grad_norm", norm).
		Msg("train")

	if err := t.tracker.LogMetrics(ctx, t.globalStep, map[string]float64{
		"train_loss":     loss,
		"train_mlm_loss": mlm,
		"train_nsp_loss": nsp,
		"learning_rate":  lr,
		"gradient_norm":  norm,
	}); err != nil {
		log.Warn().Err(err).Msg("tracking train metrics failed")
	}
}

// EvalResult is the aggregate over one pass of the dev pipeline.
type EvalResult struct {
	Loss    float64
	MLMLoss float64
	NSPLoss float64
	Batches int
}

// Evaluate runs one forward-only pass over the dev shard. The dev epoch
// is fixed at 0 so every evaluation sees identical masking.
func (t *Trainer) Evaluate(ctx context.Context) (EvalResult, error) {
	ctx, span := otel.Tracer("bowyer/train").Start(ctx, "evaluate")
	defer span.End()

	var res EvalResult
	it := t.dev.Epoch(0)
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		b, ok := it.Next()
		if !ok {
			break
		}
		r, err := t.model.Eval(b)
		if err != nil {
			return res, fmt.Errorf("eval batch %d: %w", res.Batches, err)
		}
		res.Loss += r.Loss
		res.MLMLoss += r.MLMLoss
		res.NSPLoss += r.NSPLoss
		res.Batches++
	}
	if res.Batches > 0 {
		n := float64(res.Batches)
		res.Loss /= n
		res.MLMLoss /= n
		res.NSPLoss /= n
	}
	return res, nil
}

func (t *Trainer) runEvaluation(ctx context.Context) error {
	res, err := t.Evaluate(ctx)
	if err != nil {
		return err
	}
	evaluations.Inc()
	evalLoss.Set(res.Loss)

	log.Info().
		Int("step", t.globalStep).
		Float64("loss", res.Loss).
		Float64("mlm_loss", res.MLMLoss).
		Float64("nsp_loss", res.NSPLoss).
		Int("batches", res.Batches).
		Msg("eval")

	if err := t.tracker.LogMetrics(ctx, t.globalStep, map[string]float64{
		"eval_loss":     res.Loss,
		"eval_mlm_loss": res.MLMLoss,
		"eval_nsp_loss": res.NSPLoss,
	}); err != nil {
		log.Warn().Err(err).Msg("tracking eval metrics failed")
	}
	return nil
}

func (t *Trainer) saveCheckpoint(epoch, batchInEpoch int) error {
	_, err := t.ckpt.Save(&checkpoint.Snapshot{
		GlobalStep:       t.globalStep,
		Epoch:            epoch,
		EpochBatch:       batchInEpoch,
		SchedulePosition: t.sched.Position(),
		Weights:          t.model.StateDict(),
		Optimizer:        t.opt.Snapshot(),
	})
	return err
}
