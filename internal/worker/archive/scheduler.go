package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner は定期実行されるジョブのインターフェース。
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler はcron式に従ってジョブを実行する。
// 前回の実行が終わっていない場合、その回はスキップする。
type Scheduler struct {
	job     Runner
	logger  *slog.Logger
	timeout time.Duration
	parser  cron.Parser
}

// NewScheduler はSchedulerを生成する。timeoutは1回の実行の上限。
func NewScheduler(job Runner, logger *slog.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		job:     job,
		logger:  logger,
		timeout: timeout,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateSpec はcron式を検証する。
func (s *Scheduler) ValidateSpec(spec string) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid archive schedule %q: %w", spec, err)
	}
	return nil
}

// Start はスケジュールを登録し、ctxがキャンセルされるまでブロックする。
// 起動直後に1回実行する。
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	if err := s.ValidateSpec(spec); err != nil {
		return err
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("register archive schedule: %w", err)
	}

	s.logger.Info("アーカイブスケジューラを開始しました", slog.String("schedule", spec))
	s.runOnce(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("アーカイブスケジューラを停止しました")
	return nil
}

func (s *Scheduler) runOnce(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	if err := s.job.Run(ctx); err != nil {
		s.logger.Error("アーカイブジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
