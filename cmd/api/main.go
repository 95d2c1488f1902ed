package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"concilia.dev/internal/bankfeed"
	"concilia.dev/internal/httpapi"
	"concilia.dev/internal/instrument"
	"concilia.dev/internal/ledger"
	"concilia.dev/internal/obs"
	"concilia.dev/internal/reconcile"
	"concilia.dev/internal/settlement"
	"concilia.dev/internal/store/pg"
	"concilia.dev/internal/stream"
)

// set via -ldflags at release time
var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		ledgerStore ledger.Store
		instruments instrument.Store
		runs        reconcile.RunStore
		probe       httpapi.ReadyProbe
	)

	if dsn := os.Getenv("CONCILIA_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		ledgerStore = store
		instruments = pg.NewInstruments(store.DB())
		runs = pg.NewRuns(store.DB())
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Print("CONCILIA_PG_DSN not set, using in-memory stores")
		ledgerStore = ledger.NewInMemory()
		instruments = instrument.NewInMemory()
		runs = reconcile.NewInMemoryRuns()
	}

	var locker reconcile.AccountLocker = reconcile.NewMemoryLocker()
	if addr := os.Getenv("CONCILIA_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		locker = reconcile.NewRedisLocker(rdb, 5*time.Minute)
	}

	charges := settlement.DefaultConfig()
	settler := settlement.NewEngine(ledgerStore, instruments, charges)
	engine := reconcile.NewEngine(runs, instruments, settler, locker,
		reconcile.DefaultScoreConfig(), charges)

	var controller *reconcile.Controller
	if feedURL := os.Getenv("CONCILIA_FEED_URL"); feedURL != "" {
		source := parseIntegrations(os.Getenv("CONCILIA_INTEGRATIONS"))
		if len(source) == 0 {
			log.Fatal("CONCILIA_FEED_URL set but CONCILIA_INTEGRATIONS is empty")
		}
		fetcher := bankfeed.NewClient(feedURL, os.Getenv("CONCILIA_FEED_TOKEN"))
		controller = reconcile.NewController(engine, source, fetcher)
	}

	api := httpapi.New(httpapi.Config{
		Ledger:      ledgerStore,
		Instruments: instruments,
		Settler:     settler,
		Recon:       engine,
		Controller:  controller,
		Stream:      stream.New(),
		ReadyProbe:  probe,
		Version:     version,
	})

	var handler http.Handler = api.Handler()
	handler = httpapi.RateLimit(handler, 100, 50)
	handler = httpapi.MaxBodyBytes(handler, 8<<20)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)

	addr := os.Getenv("CONCILIA_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting concilia-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// parseIntegrations reads a comma-separated list of id:account_id:name
// entries, e.g. "itau-cc:acc-1:Itau Conta Corrente,bb-cc:acc-2:BB".
func parseIntegrations(raw string) bankfeed.StaticSource {
	var out bankfeed.StaticSource
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			log.Fatalf("bad integration entry %q, want id:account_id[:name]", entry)
		}
		integ := reconcile.Integration{ID: parts[0], AccountID: parts[1]}
		if len(parts) == 3 {
			integ.Name = parts[2]
		}
		out = append(out, integ)
	}
	return out
}
