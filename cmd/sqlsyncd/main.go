package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/orbitinghail/sqlsync/document"
	"github.com/orbitinghail/sqlsync/journal"
	mbp "github.com/orbitinghail/sqlsync/mainboilerplate"
	"github.com/orbitinghail/sqlsync/reducerhost"
	"github.com/orbitinghail/sqlsync/sqlengine"
	"github.com/orbitinghail/sqlsync/storage"
)

const iniFilename = "sqlsyncd.ini"

// Config is the top-level configuration object of a sqlsyncd coordinator.
var Config = new(struct {
	Coordinator struct {
		DocId         string        `long:"doc-id" env:"DOC_ID" description:"Document id this coordinator serves. A new one is generated and printed if not set"`
		Dir           string        `long:"dir" env:"DIR" default:"./data" description:"Directory for the storage and per-client timeline journals"`
		Listen        string        `long:"listen" env:"LISTEN" default:":7071" description:"Address to accept client links on"`
		ReducerPlugin string        `long:"reducer-plugin" env:"REDUCER_PLUGIN" required:"true" description:"Path to a Go plugin exporting a Reducer symbol of type reducerhost.Reducer"`
		CacheSize     int           `long:"cache-size" env:"CACHE_SIZE" default:"1024" description:"Number of pages retained in the in-memory storage cache"`
		ReducerBudget time.Duration `long:"reducer-budget" env:"REDUCER_BUDGET" default:"1s" description:"Wall-clock budget allotted to each mutation"`
	} `group:"Coordinator" namespace:"coordinator" env-namespace:"COORDINATOR"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type serveCoordinator struct{}

func (serveCoordinator) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	reducer, err := mbp.LoadReducer(Config.Coordinator.ReducerPlugin)
	mbp.Must(err, "failed to load reducer plugin")

	var docId journal.Id
	if Config.Coordinator.DocId == "" {
		docId = journal.NewId()
		log.WithField("doc-id", docId).Warn("no --doc-id given, generated a new document. Pass it on the next start to resume this document")
	} else {
		docId, err = uuid.Parse(Config.Coordinator.DocId)
		mbp.Must(err, "failed to parse --doc-id")
	}

	log.WithField("config", Config).Info("starting sqlsyncd")
	prometheus.MustRegister(document.Collectors()...)

	fs := afero.NewOsFs()
	dir := Config.Coordinator.Dir

	storageJournal, err := journal.Open(fs, dir+"/storage", docId)
	mbp.Must(err, "failed to open storage journal")
	st, err := storage.New(storageJournal, Config.Coordinator.CacheSize)
	mbp.Must(err, "failed to open storage")

	engine, err := sqlengine.Open(sqlengine.Options{Path: dir + "/sqlsync.db", ForeignKeys: true})
	mbp.Must(err, "failed to open sql engine")
	defer engine.Close()

	coord, err := document.OpenCoordinator(docId, st, engine, fs, dir,
		reducer, reducerhost.Budget{TimeBudget: Config.Coordinator.ReducerBudget})
	mbp.Must(err, "failed to open coordinator document")

	ln, err := net.Listen("tcp", Config.Coordinator.Listen)
	mbp.Must(err, "failed to listen")
	log.WithField("addr", ln.Addr()).Info("accepting client links")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Serve(gctx, ln) })
	g.Go(func() error { return coord.Run(gctx) })

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalCh:
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	parser := flags.NewParser(Config, flags.Default)
	_, err := parser.AddCommand("serve", "Run the coordinator", "", &serveCoordinator{})
	mbp.Must(err, "failed to register serve command")

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `sqlsyncd runs the durable coordinator for a single sqlsync document:
it accepts client links, merges their offered timeline ranges in
oldest-arrival order, applies them through a reducer plugin, and serves
the resulting storage pages back out to every connected client.`

	mbp.MustParseConfig(parser, iniFilename)
}
