// Command printd submits print jobs and inspects the spool.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"

	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/db"
	"github.com/orrn/printd/internal/inkcov"
	"github.com/orrn/printd/internal/logging"
	"github.com/orrn/printd/internal/models"
	"github.com/orrn/printd/internal/quota"
	"github.com/orrn/printd/internal/secrets"
	"github.com/orrn/printd/internal/transport"
	"github.com/orrn/printd/internal/webhook"
)

const (
	shutdownTimeout = 30 * time.Second
	pollInterval    = 200 * time.Millisecond
)

const usage = `usage: printd [-config path] <command> [flags]

commands:
  print         submit a PostScript file and wait for the outcome
  quota         show a user's remaining quota
  user          create or update a user
  jobs          list a user's recent jobs
  history       show the status history of a job
  sweep         time out stalled jobs once
  destinations  probe and list destinations
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("printd failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("printd", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("PRINTD_CONFIG"), "path to config file")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "print":
		return withApp(ctx, cfg, logger, func(a *app) error { return cmdPrint(ctx, a, rest, out) })
	case "quota":
		return withApp(ctx, cfg, logger, func(a *app) error { return cmdQuota(ctx, a, rest, out) })
	case "user":
		return withApp(ctx, cfg, logger, func(a *app) error { return cmdUser(ctx, a, rest, out) })
	case "jobs":
		return withApp(ctx, cfg, logger, func(a *app) error { return cmdJobs(ctx, a, rest, out) })
	case "history":
		return withApp(ctx, cfg, logger, func(a *app) error { return cmdHistory(ctx, a, rest, out) })
	case "sweep":
		return withApp(ctx, cfg, logger, func(a *app) error { return cmdSweep(ctx, a, out) })
	case "destinations":
		return withApp(ctx, cfg, logger, func(a *app) error { return cmdDestinations(ctx, a, out) })
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// app holds the wired components for one invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *db.Store
	dests   *core.DestinationManager
	engine  *core.Engine
	reaper  *core.Reaper
	webhook *webhook.Sender
	policy  quota.Policy
}

func withApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*app) error) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	box, err := secrets.NewBox(cfg.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("load secret key: %w", err)
	}

	store, err := db.Open(db.Config{Path: cfg.Database.Path}, db.WithSecrets(box))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Debug("database opened", "path", cfg.Database.Path)

	if err := seedDestinations(ctx, store, cfg.Destinations.Static); err != nil {
		store.Close()
		return nil, err
	}

	dests := core.NewDestinationManager(store, store, &cfg.Destinations, logger)
	if err := dests.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	classifier := inkcov.New(cfg.Classifier.Binary, cfg.Classifier.Timeout)
	if err := classifier.Available(ctx); err != nil {
		logger.Error("ink coverage tool unavailable, jobs will fail classification", "binary", cfg.Classifier.Binary, "error", err)
	}

	// A debug deployment never talks to a printer, whatever the destination.
	var sender core.Sender = transport.Dummy{Delay: cfg.Transport.DummyDelay}
	if !cfg.Spool.Debug {
		sender = transport.NewSMB(transport.Config{
			Binary:     cfg.Transport.Binary,
			Protocol:   cfg.Transport.Protocol,
			DummyDelay: cfg.Transport.DummyDelay,
			Timeout:    cfg.Transport.Timeout,
		}, logger)
	}

	hooks := webhook.NewSender(&cfg.Webhooks, logger)
	policy := quota.DefaultPolicy(cfg.Quota.ExceptionGroup, cfg.Quota.Groups)

	engine, err := core.New(core.Deps{
		Jobs:         store,
		Users:        store,
		Classifier:   classifier,
		Assigner:     dests,
		Destinations: dests,
		Sender:       sender,
		Notifier:     hooks,
		Logger:       logger,
	}, core.Options{
		ScratchDir: cfg.Spool.ScratchDir,
		Debug:      cfg.Spool.Debug,
		Policy:     policy,
		Pool:       &cfg.Pool,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		dests:   dests,
		engine:  engine,
		reaper:  core.NewReaper(engine, &cfg.Reaper, logger),
		webhook: hooks,
		policy:  policy,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.engine.Stop(ctx); err != nil {
		a.logger.Warn("engine did not stop cleanly", "error", err)
	}
	a.reaper.Stop(ctx)
	a.webhook.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

// seedDestinations upserts the destinations listed in the config file. Ids
// are derived from the name so repeated runs update the same row.
func seedDestinations(ctx context.Context, store *db.Store, static []config.StaticDestination) error {
	for _, sd := range static {
		d := &models.Destination{
			ID:        destinationID(sd.Name),
			Name:      sd.Name,
			QueueName: sd.Queue,
			Path:      sd.Path,
			Domain:    sd.Domain,
			Username:  sd.Username,
			Password:  sd.Password,
			Up:        true,
		}
		if err := store.PutDestination(ctx, d); err != nil {
			return fmt.Errorf("seed destination %s: %w", sd.Name, err)
		}
	}
	return nil
}

func destinationID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("printd/destination/"+name)).String()
}

func cmdPrint(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("print", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	queue := fs.String("queue", "", "destination queue")
	debug := fs.Bool("debug", false, "simulate the transmission")
	wait := fs.Duration("wait", a.cfg.Reaper.MaxAge, "how long to wait for the outcome")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || fs.NArg() != 1 {
		return errors.New("usage: printd print -user U [-queue Q] [-debug] file")
	}

	content, err := readDocument(fs.Arg(0))
	if err != nil {
		return err
	}

	// Probe before assigning so the first job does not race the health loop.
	if err := a.dests.CheckAll(ctx); err != nil {
		return err
	}
	a.webhook.Start()
	if err := a.reaper.Start(); err != nil {
		return err
	}
	if err := a.engine.Start(); err != nil {
		return err
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		UserID:    *user,
		QueueName: *queue,
		Started:   time.Now(),
	}
	if err := a.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	msg, err := a.engine.Submit(ctx, job.ID, bytes.NewReader(content), *debug)
	if err != nil {
		return fmt.Errorf("submit job %s: %w", job.ID, err)
	}
	fmt.Fprintln(out, msg)

	final, err := waitForJob(ctx, a.store, job.ID, *wait)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %s pages=%d color=%d\n", final.ID, final.Status(), final.Pages, final.ColorPages)
	if final.Status() == models.JobStatusFailed {
		reason := ""
		if final.Error != nil {
			reason = *final.Error
		}
		return fmt.Errorf("job %s failed: %s", final.ID, reason)
	}
	return nil
}

// readDocument returns the file content XZ compressed, compressing it here
// unless the name already ends in .xz.
func readDocument(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".xz") {
		return raw, nil
	}

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create xz writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress document: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress document: %w", err)
	}
	return buf.Bytes(), nil
}

type jobGetter interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

func waitForJob(ctx context.Context, jobs jobGetter, id string, timeout time.Duration) (*models.Job, error) {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := jobs.GetJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load job: %w", err)
		}
		if job == nil {
			return nil, fmt.Errorf("job %s disappeared", id)
		}
		if job.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func cmdQuota(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("quota", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("usage: printd quota -user U")
	}

	snap, err := a.engine.Quota(ctx, *user)
	if err != nil {
		return err
	}
	return writeJSON(out, snap)
}

func cmdUser(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("user", flag.ContinueOnError)
	id := fs.String("id", "", "user id")
	role := fs.String("role", string(quota.RoleUser), "none, user, ctfer or elder")
	groups := fs.String("groups", "", "comma separated group names")
	semesters := fs.String("semesters", "", "comma separated semesters, e.g. F2016,W2017")
	color := fs.Bool("color", false, "allow color printing")
	enroll := fs.Bool("enroll", false, "add the current semester if the user is eligible")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("usage: printd user -id U [-role R] [-groups G] [-semesters S] [-color] [-enroll]")
	}

	sems, err := parseSemesters(*semesters)
	if err != nil {
		return err
	}

	u := &models.User{
		ID:            *id,
		Role:          quota.Role(*role),
		Groups:        splitList(*groups),
		Semesters:     sems,
		ColorPrinting: *color,
	}
	if *enroll {
		prof := a.policy.WithCurrentSemesterIfEligible(u.Profile(), quota.Current(time.Now()))
		u.Semesters = prof.Semesters
	}

	if err := a.store.PutUser(ctx, u); err != nil {
		return err
	}
	a.logger.Info("user saved", "user_id", u.ID, "role", u.Role, "semesters", len(u.Semesters))

	saved, err := a.store.GetUser(ctx, u.ID)
	if err != nil {
		return err
	}
	return writeJSON(out, saved)
}

func cmdJobs(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	limit := fs.Int("limit", 20, "maximum number of jobs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("usage: printd jobs -user U [-limit N]")
	}

	jobs, err := a.store.ListJobsByUser(ctx, *user, *limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPAGES\tCOLOR\tSTARTED\tERROR")
	for _, j := range jobs {
		reason := ""
		if j.Error != nil {
			reason = *j.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			j.ID, j.Status(), j.Pages, j.ColorPages, j.Started.Format(time.RFC3339), reason)
	}
	return tw.Flush()
}

func cmdHistory(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: printd history JOB_ID")
	}

	events, err := a.store.History(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("job %s: %w", fs.Arg(0), db.ErrJobNotFound)
	}
	return writeJSON(out, events)
}

func cmdSweep(ctx context.Context, a *app, out io.Writer) error {
	n, err := a.reaper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "timed out %d job(s)\n", n)
	return nil
}

func cmdDestinations(ctx context.Context, a *app, out io.Writer) error {
	if err := a.dests.CheckAll(ctx); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tQUEUE\tSTATE\tPATH")
	for _, d := range a.dests.List() {
		state := "down"
		if d.Up {
			state = "up"
		}
		path := d.Path
		if d.IsDummy() {
			path = "(dummy)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.QueueName, state, path)
	}
	return tw.Flush()
}

func parseSemesters(v string) ([]quota.Semester, error) {
	var out []quota.Semester
	for _, s := range splitList(v) {
		sem, err := quota.ParseSemester(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sem)
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
