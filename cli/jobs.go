package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isdmx/databox/dispatch"
	"github.com/isdmx/databox/store"
)

var submitCmd = &cobra.Command{
	Use:   "submit [script-id] [source-table] [dest-table]",
	Short: "Submit a transformation job",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := dispatch.SubmitJob(context.Background(), st, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("job %s\n", jobID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job's state, usage summary, and error descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := dispatch.GetJobStatus(context.Background(), st, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("state:          %s\n", job.State)
		fmt.Printf("attempts:       %d\n", job.Attempts)
		fmt.Printf("created:        %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
		if job.StartedAt != nil {
			fmt.Printf("started:        %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
		}
		if job.FinishedAt != nil {
			fmt.Printf("finished:       %s\n", job.FinishedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("rows processed: %d\n", job.Usage.RowsProcessed)
		fmt.Printf("peak rss:       %d bytes\n", job.Usage.PeakRSSBytes)
		fmt.Printf("cpu:            %.2fs\n", job.Usage.CPUSeconds)
		fmt.Printf("wall:           %s\n", job.Usage.Wall)
		if job.State.Terminal() && job.ErrorKind != "" {
			fmt.Printf("error:          %s: %s\n", job.ErrorKind, job.ErrorMsg)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Request cancellation of a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.RequestCancel(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancellation requested")
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [state]",
	Short: "List jobs in a given state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := st.ListJobs(context.Background(), store.JobState(args[0]))
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("%s  %s  %s -> %s\n", j.ID, j.State, j.SrcTable, j.DestTable)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, cancelCmd, jobsCmd)
}
