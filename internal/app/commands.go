package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/orderwatch/internal/blob/s3"
	"github.com/alanyoungcy/orderwatch/internal/domain"
	"github.com/alanyoungcy/orderwatch/internal/metrics"
	"github.com/alanyoungcy/orderwatch/internal/server"
	"github.com/alanyoungcy/orderwatch/internal/server/handler"
	"github.com/alanyoungcy/orderwatch/internal/server/ws"
	"github.com/alanyoungcy/orderwatch/internal/service"
)

type command struct {
	help string
	run  func(a *App, ctx context.Context, args []string) int
}

var commandOrder = []string{"health", "validate", "place", "watch", "trade", "archive", "events", "serve"}

var commands = map[string]command{
	"health":   {"check the gateway connection and next valid id", (*App).health},
	"validate": {"validate a structured order payload", (*App).validate},
	"place":    {"submit a basic order", (*App).place},
	"watch":    {"watch an order until it is filled or cancelled", (*App).watch},
	"trade":    {"validate, place and optionally watch in one call", (*App).trade},
	"archive":  {"export stored order states to S3 as JSONL", (*App).archive},
	"events":   {"print order updates recorded on the Redis bus", (*App).events},
	"serve":    {"serve stored order states and live updates over HTTP", (*App).serve},
}

// orderFlags are the payload flags shared by validate, place and trade.
type orderFlags struct {
	json     string
	jsonFile string
	transmit bool
}

func (o *orderFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&o.json, "json", "", "inline JSON payload")
	fs.StringVar(&o.jsonFile, "json-file", "", "path to JSON payload file")
	fs.BoolVar(&o.transmit, "transmit", false, "override payload and set transmit=true")
}

func (o *orderFlags) payload() (service.OrderInput, error) {
	switch {
	case o.json != "" && o.jsonFile != "":
		return service.OrderInput{}, errors.New("--json and --json-file are mutually exclusive")
	case o.json != "":
		return service.OrderInput{JSON: []byte(o.json)}, nil
	case o.jsonFile != "":
		data, err := os.ReadFile(o.jsonFile)
		if err != nil {
			return service.OrderInput{}, fmt.Errorf("read payload: %w", err)
		}
		return service.OrderInput{JSON: data}, nil
	default:
		return service.OrderInput{}, errors.New("either --json or --json-file is required")
	}
}

func runtimeErrors(err error) domain.ValidationErrors {
	return domain.ValidationErrors{{Type: "runtime", Msg: err.Error()}}
}

// seconds converts a float flag value to a duration.
func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (a *App) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

func (a *App) health(ctx context.Context, args []string) int {
	fs := a.flagSet("health")
	timeout := fs.Float64("timeout", 5, "seconds to wait for the next valid id")
	if err := fs.Parse(args); err != nil {
		return ExitFailure
	}
	if !a.ensureDeps(ctx, true) {
		return ExitFailure
	}

	out := a.deps.Lifecycle.Health(ctx, service.HealthIn{Timeout: seconds(*timeout)})
	a.emit(out)
	if !out.Connected {
		return ExitFailure
	}
	return ExitOK
}

func (a *App) validate(ctx context.Context, args []string) int {
	fs := a.flagSet("validate")
	var of orderFlags
	of.register(fs)
	if err := fs.Parse(args); err != nil {
		return ExitFailure
	}

	in, err := of.payload()
	if err != nil {
		a.emit(service.ValidateOut{Errors: runtimeErrors(err)})
		return ExitFailure
	}
	if !a.ensureDeps(ctx, true) {
		return ExitFailure
	}

	out := a.deps.Lifecycle.Validate(ctx, service.ValidateIn{Order: in, Transmit: of.transmit})
	a.emit(out)
	if !out.Valid {
		return ExitFailure
	}
	return ExitOK
}

func (a *App) place(ctx context.Context, args []string) int {
	fs := a.flagSet("place")
	var of orderFlags
	of.register(fs)
	dryRun := fs.Bool("dry-run", false, "build contract and order but do not place")
	timeout := fs.Float64("timeout", 5, "seconds to wait for the next valid id")
	if err := fs.Parse(args); err != nil {
		return ExitFailure
	}

	in, err := of.payload()
	if err != nil {
		a.emit(service.PlaceOut{Errors: runtimeErrors(err)})
		return ExitFailure
	}
	if !a.ensureDeps(ctx, *dryRun) {
		return ExitFailure
	}

	out := a.deps.Lifecycle.Place(ctx, service.PlaceIn{
		Order:    in,
		Transmit: of.transmit,
		DryRun:   *dryRun,
		Timeout:  seconds(*timeout),
	})
	a.emit(out)
	if out.Submitted || out.DryRun {
		return ExitOK
	}
	return ExitFailure
}

// watchStopped is printed when a watch ends without reaching a terminal
// status.
type watchStopped struct {
	Watching bool   `json:"watching"`
	OrderID  int64  `json:"order_id"`
	Error    string `json:"error"`
}

func (a *App) watch(ctx context.Context, args []string) int {
	fs := a.flagSet("watch")
	orderID := fs.Int64("order-id", 0, "gateway order id to watch (required)")
	pollInterval := fs.Float64("poll-interval", 1, "seconds between update checks")
	timeout := fs.Float64("timeout", 5, "seconds to wait for connection readiness")
	maxWait := fs.Float64("max-wait", 0, "seconds before giving up; 0 waits indefinitely")
	if err := fs.Parse(args); err != nil {
		return ExitFailure
	}
	if *orderID <= 0 {
		fmt.Fprintln(a.errOut, "watch: --order-id is required")
		return ExitFailure
	}
	if !a.ensureDeps(ctx, false) {
		return ExitFailure
	}

	metrics.Serve(ctx, a.cfg.Metrics.ListenAddr, a.logger)

	out := a.deps.Lifecycle.Watch(ctx, service.WatchIn{
		OrderID:      *orderID,
		PollInterval: seconds(*pollInterval),
		Timeout:      seconds(*timeout),
		MaxWait:      seconds(*maxWait),
	}, func(ev service.WatchEvent) { a.emit(ev) })

	if out.Error != nil {
		a.emit(watchStopped{OrderID: out.OrderID, Error: *out.Error})
		if *out.Error == service.WatchInterrupted {
			return ExitInterrupted
		}
		return ExitFailure
	}
	return ExitOK
}

func (a *App) trade(ctx context.Context, args []string) int {
	fs := a.flagSet("trade")
	var of orderFlags
	of.register(fs)
	dryRun := fs.Bool("dry-run", false, "build contract and order but do not place")
	wait := fs.Bool("wait", false, "watch the order until it is terminal")
	timeout := fs.Float64("timeout", 5, "seconds to wait for connection readiness")
	pollInterval := fs.Float64("poll-interval", 1, "seconds between update checks")
	maxWait := fs.Float64("max-wait", 0, "seconds before giving up; 0 waits indefinitely")
	if err := fs.Parse(args); err != nil {
		return ExitFailure
	}

	in, err := of.payload()
	if err != nil {
		a.emit(service.TradeOut{Errors: runtimeErrors(err)})
		return ExitFailure
	}
	if !a.ensureDeps(ctx, *dryRun) {
		return ExitFailure
	}

	if *wait {
		metrics.Serve(ctx, a.cfg.Metrics.ListenAddr, a.logger)
	}

	out := a.deps.Lifecycle.ExecuteTrade(ctx, service.TradeIn{
		Order:           in,
		Transmit:        of.transmit,
		DryRun:          *dryRun,
		WaitForTerminal: *wait,
		Timeout:         seconds(*timeout),
		PollInterval:    seconds(*pollInterval),
		MaxWait:         seconds(*maxWait),
	}, nil)
	a.emit(out)

	switch {
	case out.OK:
		return ExitOK
	case out.Error != nil && *out.Error == service.WatchInterrupted:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// archiveLockTTL bounds how long a crashed archive run blocks the next one.
const archiveLockTTL = 10 * time.Minute

type archiveOut struct {
	Archived bool   `json:"archived"`
	Path     string `json:"path,omitempty"`
	Count    int    `json:"count"`
	Error    string `json:"error,omitempty"`
}

func (a *App) archive(ctx context.Context, args []string) int {
	fs := a.flagSet("archive")
	terminalOnly := fs.Bool("terminal-only", false, "archive only orders in a terminal status")
	prefix := fs.String("prefix", a.cfg.S3.Prefix, "object key prefix")
	if err := fs.Parse(args); err != nil {
		return ExitFailure
	}
	if !a.ensureDeps(ctx, false) {
		return ExitFailure
	}

	if a.deps.BlobWriter == nil {
		a.emit(archiveOut{Error: "s3 bucket is not configured"})
		return ExitFailure
	}
	if a.deps.Locks != nil {
		release, err := a.deps.Locks.Acquire(ctx, "archive", archiveLockTTL)
		if err != nil {
			a.emit(archiveOut{Error: err.Error()})
			return ExitFailure
		}
		defer release()
	}
	orders, err := a.deps.Lifecycle.Orders(ctx)
	if err != nil {
		a.emit(archiveOut{Error: err.Error()})
		return ExitFailure
	}

	res, err := s3blob.NewArchiver(a.deps.BlobWriter, orders, a.logger).
		ArchiveOrders(ctx, time.Now(), s3blob.ArchiveOpts{TerminalOnly: *terminalOnly, Prefix: *prefix})
	if err != nil {
		a.logger.ErrorContext(ctx, "archive failed", slog.String("error", err.Error()))
		a.emit(archiveOut{Error: err.Error()})
		return ExitFailure
	}
	out := archiveOut{Count: res.Count}
	if res.Count > 0 {
		out.Archived, out.Path = true, res.Path
	}
	a.emit(out)
	return ExitOK
}

func (a *App) events(ctx context.Context, args []string) int {
	fs := a.flagSet("events")
	orderID := fs.Int64("order-id", 0, "only this order; 0 for every order")
	from := fs.String("from", "0", "stream id to read after")
	count := fs.Int("count", 100, "maximum history events to print")
	follow := fs.Bool("follow", false, "stream live updates until interrupted")
	if err := fs.Parse(args); err != nil {
		return ExitFailure
	}
	if !a.ensureDeps(ctx, false) {
		return ExitFailure
	}

	if a.deps.Events == nil {
		a.emit(map[string]any{"ok": false, "error": "redis is not enabled"})
		return ExitFailure
	}

	if !*follow {
		history, err := a.deps.Events.OrderHistory(ctx, *orderID, *from, *count)
		if err != nil {
			a.emit(map[string]any{"ok": false, "error": err.Error()})
			return ExitFailure
		}
		for _, ev := range history {
			a.emit(ev)
		}
		return ExitOK
	}

	live, err := a.deps.Events.Follow(ctx, *orderID)
	if err != nil {
		a.emit(map[string]any{"ok": false, "error": err.Error()})
		return ExitFailure
	}
	for ev := range live {
		a.emit(ev)
	}
	if ctx.Err() != nil {
		return ExitInterrupted
	}
	return ExitOK
}

// newServer builds the order status API over the durable store. The hub is
// nil when Redis is not available.
func (a *App) newServer(ctx context.Context, addr string) (*server.Server, *ws.Hub, error) {
	orders, err := a.deps.Lifecycle.Orders(ctx)
	if err != nil {
		return nil, nil, err
	}

	checks := map[string]handler.Pinger{
		// The store is healthy when a one-row list works.
		"store": handler.PingFunc(func(ctx context.Context) error {
			_, err := orders.List(ctx, domain.ListOpts{Limit: 1})
			return err
		}),
	}
	if a.deps.S3 != nil {
		checks["s3"] = a.deps.S3
	}
	var hub *ws.Hub
	if a.deps.Events != nil {
		hub = ws.NewHub(a.deps.Events, a.logger)
	}
	if a.deps.Redis != nil {
		checks["redis"] = a.deps.Redis
	}

	srv := server.NewServer(server.Config{
		Addr:        addr,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Orders: handler.NewOrderHandler(orders, a.logger),
	}, hub, a.deps.Limiter, a.logger)
	return srv, hub, nil
}

func (a *App) serve(ctx context.Context, args []string) int {
	fs := a.flagSet("serve")
	addr := fs.String("addr", a.cfg.Server.ListenAddr, "listen address")
	if err := fs.Parse(args); err != nil {
		return ExitFailure
	}
	if !a.ensureDeps(ctx, false) {
		return ExitFailure
	}

	srv, hub, err := a.newServer(ctx, *addr)
	if err != nil {
		a.emit(map[string]any{"ok": false, "error": err.Error()})
		return ExitFailure
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if hub != nil {
		g.Go(func() error {
			if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.WarnContext(gctx, "order event hub stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		a.emit(map[string]any{"ok": false, "error": err.Error()})
		return ExitFailure
	}
	return ExitOK
}
