// Command electric-server runs the Satellite-facing replication
// engine: a TCP listener accepting one internal/connection.Connection
// per client, wired to a Postgres WAL source, schema cache, migration
// translator, JWT auth verifier, and snapshot source (spec.md §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is gated by config.
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/electric-sql/electric/internal/auth"
	"github.com/electric-sql/electric/internal/collab"
	"github.com/electric-sql/electric/internal/config"
	"github.com/electric-sql/electric/internal/connection"
	"github.com/electric-sql/electric/internal/cursorstore"
	"github.com/electric-sql/electric/internal/migrate"
	"github.com/electric-sql/electric/internal/migrategate"
	"github.com/electric-sql/electric/internal/pgiam"
	"github.com/electric-sql/electric/internal/schemacache"
	"github.com/electric-sql/electric/internal/snapshotsource"
	"github.com/electric-sql/electric/internal/telemetry"
	"github.com/electric-sql/electric/internal/walsource"
	"github.com/electric-sql/electric/pkg/satproto"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	command := newElectricServerCommand()
	return command.Execute()
}

func newElectricServerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "electric-server",
		Short:        "Run the Electric Satellite-facing replication engine",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runElectricServer(cmd)
		},
	}
	command.PersistentFlags().String("config", "", "path to config file")
	command.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initElectricServerConfig(cmd)
	}
	command.InitDefaultCompletionCmd()
	return command
}

func initElectricServerConfig(cmd *cobra.Command) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("read config flag: %w", err)
	}

	viper.Reset()
	viper.SetEnvPrefix("ELECTRIC")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else if envPath := os.Getenv("ELECTRIC_CONFIG"); envPath != "" {
		viper.SetConfigFile(envPath)
	} else {
		viper.SetConfigName("electric-server")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if !errors.As(err, &missing) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func runElectricServer(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tracer := telemetry.Tracer(cfg.Telemetry.ServiceName)

	if cfg.Profiling.Enabled {
		pprofServer := &http.Server{
			Addr:              cfg.Profiling.Listen,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("pprof server listening on %s", cfg.Profiling.Listen)
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("pprof server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pprofServer.Shutdown(shutdownCtx)
		}()
	}

	var iamProvider *pgiam.RDSIAMTokenProvider
	if cfg.Postgres.IAM.Enabled {
		iamProvider, err = pgiam.NewRDSIAMTokenProvider(ctx, cfg.Postgres.DSN, cfg.Postgres.IAM)
		if err != nil {
			return fmt.Errorf("start rds iam provider: %w", err)
		}
	}

	applyPool, err := newApplyPool(ctx, cfg.Postgres.DSN, iamProvider)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer applyPool.Close()

	var cacheOpts []schemacache.Option
	if cfg.Glue.Enabled {
		publisher, err := schemacache.NewGluePublisher(ctx, schemacache.GlueConfig{
			Region:   cfg.Glue.Region,
			Profile:  cfg.Glue.Profile,
			RoleARN:  cfg.Glue.RoleARN,
			Endpoint: cfg.Glue.Endpoint,
			Registry: cfg.Glue.Registry,
		})
		if err != nil {
			return fmt.Errorf("start glue publisher: %w", err)
		}
		cacheOpts = append(cacheOpts, schemacache.WithGluePublisher(publisher))
	}
	cache, err := schemacache.New(ctx, cfg.Postgres.DSN, cfg.Postgres.ExtensionSchema, cacheOpts...)
	if err != nil {
		return fmt.Errorf("start schema cache: %w", err)
	}
	defer cache.Close()

	walsourceOpts := []walsource.Option{walsource.WithStatusInterval(cfg.Replication.StatusInterval)}
	if iamProvider != nil {
		walsourceOpts = append(walsourceOpts, walsource.WithConnConfigAuthenticator(iamProvider.ApplyToConnConfig))
	}
	source := walsource.New(cfg.Postgres.DSN, cfg.Replication.Slot, cfg.Replication.Publication, applyPool, walsourceOpts...)

	var translator collab.MigrationTranslator = migrate.New(nil)
	if cfg.DDLGate.Enabled {
		gateDSN := cfg.DDLGate.DSN
		if gateDSN == "" {
			gateDSN = cfg.Postgres.DSN
		}
		gateStore, err := migrategate.NewPostgresStore(ctx, gateDSN)
		if err != nil {
			return fmt.Errorf("start ddl gate: %w", err)
		}
		defer gateStore.Close()
		translator = &migrategate.Gate{
			Store:       gateStore,
			Next:        translator,
			AutoApprove: cfg.DDLGate.AutoApprove,
		}
	}
	snapshots := snapshotsource.New(applyPool, snapshotsource.WithBatchRows(cfg.Snapshot.BatchRows))
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("start auth verifier: %w", err)
	}

	cursors, err := newCursorStore(ctx, cfg.Cursors)
	if err != nil {
		return fmt.Errorf("start cursor store: %w", err)
	}
	defer cursors.Close()

	listener, err := net.Listen("tcp", cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen.Addr, err)
	}
	defer listener.Close()

	log.Printf("electric-server listening on %s (origin=%s slot=%s publication=%s)",
		cfg.Listen.Addr, cfg.Replication.Origin, cfg.Replication.Slot, cfg.Replication.Publication)

	return serve(ctx, listener, serverDeps{
		auth:            verifier,
		walSource:       source,
		cache:           cache,
		translator:      translator,
		snapshots:       snapshots,
		cursorSink:      cursorSink{store: cursors},
		origin:          cfg.Replication.Origin,
		extensionSchema: cfg.Postgres.ExtensionSchema,
		tracer:          tracer,
	})
}

type serverDeps struct {
	auth            collab.AuthVerifier
	walSource       collab.WalSource
	cache           collab.SchemaCache
	translator      collab.MigrationTranslator
	snapshots       collab.SubscriptionDataSource
	cursorSink      connection.CursorSink
	origin          string
	extensionSchema string
	tracer          trace.Tracer
}

// cursorSink adapts cursorstore.Store to connection.CursorSink.
type cursorSink struct {
	store cursorstore.Store
}

func (s cursorSink) Put(ctx context.Context, clientID string, lsn []byte, subscriptionIDs []string) error {
	return s.store.Put(ctx, cursorstore.Cursor{
		ClientID:        clientID,
		LSN:             lsn,
		SubscriptionIDs: subscriptionIDs,
	})
}

// serve accepts connections until ctx is cancelled, running one
// Connection per accepted socket on its own goroutine - the same
// one-task-per-connection model spec.md §5 describes, with no shared
// mutable state between connections beyond the read-mostly collaborators.
func serve(ctx context.Context, listener net.Listener, deps serverDeps) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept connection: %w", err)
		}
		go serveConn(ctx, conn, deps)
	}
}

func serveConn(ctx context.Context, conn net.Conn, deps serverDeps) {
	defer conn.Close()

	transport := satproto.NewNetConnTransport(conn)
	electricConn := connection.New(connection.Config{
		Transport:       transport,
		Auth:            deps.auth,
		WalSource:       deps.walSource,
		Cache:           deps.cache,
		Translator:      deps.translator,
		SnapshotSource:  deps.snapshots,
		Origin:          deps.origin,
		ExtensionSchema: deps.extensionSchema,
		Tracer:          deps.tracer,
		CursorSink:      deps.cursorSink,
	})

	if err := electricConn.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("connection from %s ended: %v", conn.RemoteAddr(), err)
	}
}

// newApplyPool opens the pooled, non-replication Postgres connection
// shared by internal/walsource's Apply and internal/snapshotsource,
// registering raw JSON/JSONB codecs for wire fidelity and, if provider
// is non-nil, authenticating every pooled connection with a freshly
// signed AWS RDS IAM token instead of cfg's static password.
func newApplyPool(ctx context.Context, dsn string, provider *pgiam.RDSIAMTokenProvider) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if err := provider.ApplyToPoolConfig(ctx, poolCfg); err != nil {
		return nil, fmt.Errorf("apply rds iam auth: %w", err)
	}
	afterConnect := poolCfg.AfterConnect
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgiam.RegisterRawJSONCodecs(conn.TypeMap())
		if afterConnect != nil {
			return afterConnect(ctx, conn)
		}
		return nil
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func newCursorStore(ctx context.Context, cfg config.CursorConfig) (cursorstore.Store, error) {
	switch cfg.Backend {
	case "", "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("ELECTRIC_CURSOR_DSN is required for the postgres cursor backend")
		}
		return cursorstore.NewPostgresStore(ctx, cfg.DSN)
	case "sqlite":
		return cursorstore.NewSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown cursor backend %q", cfg.Backend)
	}
}

