package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"mail-automation/database"
	"mail-automation/handlers"
	"mail-automation/services"
	"mail-automation/utils"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tracer.Start(
			tracer.WithService(cfg.Tracing.Service),
			tracer.WithEnv(cfg.Tracing.Env),
		)
		defer tracer.Stop()
	}

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := services.NewScheduler(services.ScheduleFromConfig(cfg.Schedule), a.manager, a.settings, logger)
	if err != nil {
		return fmt.Errorf("invalid schedule configuration: %w", err)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handlers.NewRouter(handlers.Dependencies{
			Automation: a.manager,
			Settings:   a.settings,
			Scheduler:  scheduler,
			Logs:       a.txlog,
			Archive:    a.archiver,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		a.manager.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Println("Database migrations applied successfully.")
		return nil
	},
}

var runFailed bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process Pending records once and wait for the batch to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.Close()

		go func() {
			<-ctx.Done()
			a.manager.Stop()
		}()

		if runFailed {
			a.manager.RestartFailedEmails(ctx)
		} else {
			a.manager.Start(ctx)
		}
		a.manager.Wait()

		report, err := a.manager.Status(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Processed %d: %d succeeded, %d failed, %d skipped.\n",
			report.Processed, report.Succeeded, report.Failed, report.Skipped)
		fmt.Printf("Records: %d pending, %d success, %d failed.\n",
			report.Counts.Pending, report.Counts.Success, report.Counts.Failed)
		if report.LastError != "" {
			return errors.New(report.LastError)
		}
		return nil
	},
}

var (
	addRecipient  string
	addSubject    string
	addCompany    string
	addAttachment string
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue a Pending record",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec := database.EmailRecord{
			CompanyName:          addCompany,
			Recipient:            addRecipient,
			Subject:              addSubject,
			AttachmentFolderPath: addAttachment,
		}
		if err := services.ValidateRecord(rec); err != nil {
			return err
		}

		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := database.NewStatusRepository(db, cfg.Database.Driver).CreateRecord(cmd.Context(), rec)
		if err != nil {
			return err
		}
		fmt.Printf("Record %d added for %s.\n", id, addRecipient)
		return nil
	},
}

var (
	logsLimit  int
	logsStatus string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the most recent transaction log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status database.Status
		if logsStatus != "" {
			parsed, ok := database.ParseStatus(logsStatus)
			if !ok {
				return fmt.Errorf("unknown status %q", logsStatus)
			}
			status = parsed
		}

		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := database.NewTransactionLog(db, cfg.Database.Driver).Recent(cmd.Context(), logsLimit, status)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No transaction log entries found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tRECORD\tRECIPIENT\tSTATUS\tSIZE\tZIP\tREASON")
		fmt.Fprintln(w, "----\t------\t---------\t------\t----\t---\t------")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format("2006-01-02 15:04:05"),
				strconv.FormatInt(e.RecordID, 10),
				e.Recipient,
				e.Status,
				utils.FormatSize(e.OriginalSize),
				utils.FormatSize(e.CompressedSize),
				e.Reason)
		}
		return w.Flush()
	},
}

var cleanupArchiveCmd = &cobra.Command{
	Use:   "cleanup-archive",
	Short: "Delete generated zip archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := services.NewArchiver(cfg.Automation.ArchivePath, logger).Cleanup()
		fmt.Printf("Removed %d archive(s) from %s.\n", removed, cfg.Automation.ArchivePath)
		return err
	},
}

var checkSMTPCmd = &cobra.Command{
	Use:   "check-smtp",
	Short: "Check the configured SMTP credentials without sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := services.NewSettingsManager(cfg, logger).Get()
		ok, msg := services.ValidateSMTPCredentials(cmd.Context(), s.SMTPServer, s.SMTPPort, s.SMTPUser, s.SMTPPassword, s.UseTLS)
		fmt.Println(msg)
		if !ok {
			return errors.New("smtp check failed")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runFailed, "failed", false, "process Failed records instead of Pending ones")

	addCmd.Flags().StringVar(&addRecipient, "recipient", "", "recipient email address (required)")
	addCmd.Flags().StringVar(&addSubject, "subject", "", "email subject (required)")
	addCmd.Flags().StringVar(&addCompany, "company", "", "company name used by templates")
	addCmd.Flags().StringVar(&addAttachment, "attachment", "", "folder or file to zip and attach")
	_ = addCmd.MarkFlagRequired("recipient")
	_ = addCmd.MarkFlagRequired("subject")

	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", database.DefaultLogLimit, "number of entries to show")
	logsCmd.Flags().StringVar(&logsStatus, "status", "", "only show entries with this status")
}
