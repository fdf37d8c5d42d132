// Command canteen browses canteens and manages table reservations from the
// terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canteen/internal/canteenapi"
	"canteen/internal/config"
	"canteen/internal/lifecycle"
	"canteen/internal/models"
	"canteen/internal/occupancy"
	"canteen/internal/poller"
	"canteen/internal/render"
	"canteen/internal/report"
	"canteen/internal/session"
	"canteen/internal/tracing"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const usage = `usage: canteen <command> [flags] [args]

commands:
  list                               list canteens
  show [-filter=status] [-xlsx=path] <canteenID>
  watch [-filter=status] <canteenID> re-render the canteen on every poll
  reserve [-minutes=10] <tableID>
  checkin <tableID>
  cancel <reservationID>
  my [-xlsx=path]                    your reservations`

// TokenEnv overrides api.token from the config file.
const TokenEnv = "CANTEEN_TOKEN"

type app struct {
	api          *canteenapi.Client
	session      *session.Context
	out          io.Writer
	logger       zerolog.Logger
	timeout      time.Duration
	duration     int
	pollInterval time.Duration
}

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.WarnLevel)

	cfg, err := config.Load(os.Getenv(config.PathEnv))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" {
		logger = logger.Level(lvl)
	}
	if shutdown := tracing.Init(cfg.ServiceName(), cfg.Tracing.Endpoint); shutdown != nil {
		defer shutdown()
	}

	api := canteenapi.NewClient(cfg.API.BaseURL, cfg.APITimeout())
	api.UseLogger(logger)
	if cfg.API.RateLimitPerSecond > 0 {
		api.UseRateLimit(cfg.API.RateLimitPerSecond, cfg.API.RateLimitBurst)
	}

	token := os.Getenv(TokenEnv)
	if token == "" {
		token = cfg.API.Token
	}
	sess := session.New()
	if token != "" {
		if err := sess.Login(token); err != nil {
			logger.Warn().Err(err).Msg("token rejected, continuing without a session")
		}
	}

	a := &app{
		api:          api,
		session:      sess,
		out:          os.Stdout,
		logger:       logger,
		timeout:      cfg.OperationTimeout(),
		duration:     cfg.DefaultDuration(),
		pollInterval: cfg.PollInterval(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.out, usage)
		return flag.ErrHelp
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return a.list(ctx)
	case "show":
		return a.show(ctx, rest)
	case "watch":
		return a.watch(ctx, rest)
	case "reserve":
		return a.reserve(ctx, rest)
	case "checkin":
		return a.checkIn(ctx, rest)
	case "cancel":
		return a.cancel(ctx, rest)
	case "my":
		return a.my(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprintln(a.out, usage)
		return nil
	default:
		fmt.Fprintln(a.out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) newLifecycle() *lifecycle.Client {
	l := a.logger.With().Str("component", "lifecycle").Logger()
	return lifecycle.NewClient(a.api, lifecycle.Options{Timeout: a.timeout, Logger: &l})
}

func (a *app) credential() (session.Credential, error) {
	return a.session.Credential()
}

func (a *app) list(ctx context.Context) error {
	list, err := a.api.ListCanteens(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, render.CanteenList(list))
	return nil
}

func (a *app) show(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(a.out)
	filter := fs.String("filter", "all", "table status: all, available, reserved or unavailable")
	xlsx := fs.String("xlsx", "", "also write the occupancy to this xlsx file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("show needs a canteen id")
	}
	f, err := occupancy.ParseStatusFilter(*filter)
	if err != nil {
		return err
	}

	c, err := a.api.GetCanteen(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, render.CanteenDetail(c, f, nil))
	if *xlsx != "" {
		if err := (report.Export{Canteen: c}).SaveToFile(*xlsx); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved %s\n", *xlsx)
	}
	return nil
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(a.out)
	filter := fs.String("filter", "all", "table status: all, available, reserved or unavailable")
	interval := fs.Duration("interval", a.pollInterval, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("watch needs a canteen id")
	}
	f, err := occupancy.ParseStatusFilter(*filter)
	if err != nil {
		return err
	}

	r := poller.NewRefresher(a.api, fs.Arg(0), *interval)
	r.UseLogger(a.logger)
	err = r.Watch(ctx, func(s poller.Snapshot) {
		fmt.Fprintf(a.out, "--- %s\n%s\n", s.FetchedAt.Local().Format("15:04:05"), render.CanteenDetail(s.Canteen, f, nil))
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (a *app) reserve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reserve", flag.ContinueOnError)
	fs.SetOutput(a.out)
	minutes := fs.Int("minutes", a.duration, "reservation length: 10 or 15")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("reserve needs a table id")
	}
	cred, err := a.credential()
	if err != nil {
		return err
	}
	res, err := a.newLifecycle().Create(ctx, fs.Arg(0), *minutes, cred)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, render.Reservation(res))
	fmt.Fprintf(a.out, "Check in with: canteen checkin %s\n", res.TableID)
	return nil
}

func (a *app) checkIn(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("checkin needs a table id")
	}
	cred, err := a.credential()
	if err != nil {
		return err
	}
	if err := a.newLifecycle().ActivateTable(ctx, args[0], cred); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Checked in.")
	return nil
}

// cancel resumes the reservation as listed by the backend, or as a pending
// one when it is not listed, and cancels it.
func (a *app) cancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("cancel needs a reservation id")
	}
	cred, err := a.credential()
	if err != nil {
		return err
	}

	res := models.Reservation{ID: args[0], Status: models.ReservationPending}
	list, err := a.api.MyReservations(ctx, cred.Token)
	if err != nil {
		a.logger.Debug().Err(err).Msg("could not list reservations before cancel")
	}
	for _, r := range list {
		if r.ID == args[0] {
			res = r
			break
		}
	}

	lc := a.newLifecycle()
	if err := lc.Resume(res); err != nil {
		return err
	}
	if err := lc.Cancel(ctx, cred); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Reservation cancelled.")
	return nil
}

func (a *app) my(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("my", flag.ContinueOnError)
	fs.SetOutput(a.out)
	xlsx := fs.String("xlsx", "", "write the reservations to this xlsx file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cred, err := a.credential()
	if err != nil {
		return err
	}
	list, err := a.api.MyReservations(ctx, cred.Token)
	if err != nil {
		return err
	}
	if *xlsx != "" {
		if err := (report.Export{Reservations: list}).SaveToFile(*xlsx); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved %s\n", *xlsx)
		return nil
	}
	fmt.Fprintln(a.out, render.Reservations(list))
	return nil
}

// describe adds the user-facing line to err when it is a known failure.
func describe(err error) string {
	msg := lifecycle.UserMessage(err)
	if msg == "" || msg == "Something went wrong." {
		return err.Error()
	}
	return fmt.Sprintf("%s (%v)", msg, err)
}
