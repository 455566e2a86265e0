package main

import (
	"fmt"
	"path/filepath"
	"time"

	"taro/internal/domain"
	"taro/internal/runner"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	flagExecID         string
	flagExecJob        string
	flagExecNoOutput   bool
	flagExecWarnTime   time.Duration
	flagExecWarnOutput string
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] [--] COMMAND [ARG...]",
	Short: "Execute a command, or a configured job with --job, and record it",
	Args: func(cmd *cobra.Command, args []string) error {
		if flagExecJob == "" && len(args) == 0 {
			return errors.New("a command or --job is required")
		}
		return nil
	},
	RunE: doExec,
}

func init() {
	execCmd.Flags().StringVar(&flagExecID, "id", "", "job id, defaults to the command name")
	execCmd.Flags().StringVar(&flagExecJob, "job", "", "run the configured job with this id")
	execCmd.Flags().BoolVar(&flagExecNoOutput, "no-output", false, "let the command write directly to the terminal")
	execCmd.Flags().DurationVar(&flagExecWarnTime, "warn-time", 0, "warn when execution takes longer")
	execCmd.Flags().StringVar(&flagExecWarnOutput, "warn-output", "", "warn for output lines matching the regular expression")
	execCmd.Flags().SetInterspersed(false)
}

func execJob(args []string) (domain.Job, error) {
	if flagExecJob != "" {
		return application.cfg.FindJob(flagExecJob)
	}
	id := flagExecID
	if id == "" {
		id = filepath.Base(args[0])
	}
	job := domain.Job{
		ID:           id,
		ExecutorType: domain.ExecutorTypeProgram,
		Executor:     domain.JobExecutor{Args: args, ReadOutput: !flagExecNoOutput},
		Warnings: domain.JobWarnings{
			ExecTime: flagExecWarnTime,
			Output:   flagExecWarnOutput,
		},
	}
	return job, job.Validate()
}

func doExec(cmd *cobra.Command, args []string) error {
	job, err := execJob(args)
	if err != nil {
		return err
	}

	inst, err := application.service.NewInstance(&job)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	inst.AddOutputObserver(domain.NewJobOutputFunc(func(_ domain.JobInfo, line string) {
		fmt.Fprintln(out, line)
	}))
	inst.AddWarningObserver(domain.NewWarningFunc(func(info domain.JobInfo, w domain.Warn, _ domain.WarnEventCtx) {
		application.logger.Warn("job warning", "job_id", info.JobID(), "warning", w.Name, "params", w.Params)
	}))

	if err := application.service.RunInstance(cmd.Context(), inst); err != nil {
		return err
	}
	application.writeMetrics()
	return instanceResult(inst)
}

func instanceResult(inst *runner.Instance) error {
	state := inst.State()
	if !state.IsFailure() && state != domain.StateInterrupted {
		return nil
	}
	err := errors.Newf("job %s ended in state %s", inst.ID(), state)
	if execErr := inst.ExecError(); execErr != nil {
		err = errors.WithDetail(err, execErr.Error())
		err = errors.WithHint(err, execErr.Message)
	}
	return err
}
