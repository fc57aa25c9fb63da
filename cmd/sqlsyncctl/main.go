package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"

	"github.com/orbitinghail/sqlsync/document"
	"github.com/orbitinghail/sqlsync/journal"
	mbp "github.com/orbitinghail/sqlsync/mainboilerplate"
	"github.com/orbitinghail/sqlsync/reducerhost"
	"github.com/orbitinghail/sqlsync/sqlengine"
	"github.com/orbitinghail/sqlsync/storage"
	"github.com/orbitinghail/sqlsync/timeline"
)

const iniFilename = "sqlsyncctl.ini"

// Config is the top-level configuration object of the sqlsyncctl client.
var Config = new(struct {
	Client struct {
		DocId         string `long:"doc-id" env:"DOC_ID" required:"true" description:"Document id of the local client replica"`
		Dir           string `long:"dir" env:"DIR" default:"./data" description:"Directory for the local storage and timeline journals"`
		ReducerPlugin string `long:"reducer-plugin" env:"REDUCER_PLUGIN" required:"true" description:"Path to a Go plugin exporting a Reducer symbol of type reducerhost.Reducer"`
	} `group:"Client" namespace:"client" env-namespace:"CLIENT"`

	Coordinator mbp.AddressConfig `group:"Coordinator" namespace:"coordinator" env-namespace:"COORDINATOR"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func openClient() *document.ClientDocument {
	docId, err := uuid.Parse(Config.Client.DocId)
	mbp.Must(err, "failed to parse --client.doc-id")

	fs := afero.NewOsFs()
	dir := Config.Client.Dir

	storageJournal, err := journal.Open(fs, dir+"/storage", docId)
	mbp.Must(err, "failed to open storage journal")
	st, err := storage.New(storageJournal, 1024)
	mbp.Must(err, "failed to open storage")

	timelineJournal, err := journal.Open(fs, dir+"/timeline", journal.NewId())
	mbp.Must(err, "failed to open timeline journal")
	tl := timeline.Open(timelineJournal.ID(), timelineJournal)

	engine, err := sqlengine.Open(sqlengine.Options{Path: dir + "/sqlsync.db", ForeignKeys: true})
	mbp.Must(err, "failed to open sql engine")

	reducer, err := mbp.LoadReducer(Config.Client.ReducerPlugin)
	mbp.Must(err, "failed to load reducer plugin")

	d, err := document.OpenClient(docId, st, tl, engine, reducer, reducerhost.Budget{TimeBudget: time.Second})
	mbp.Must(err, "failed to open client document")
	return d
}

type mutateCmd struct {
	Args struct {
		Mutation string `positional-arg-name:"mutation" description:"Mutation bytes to hand to the reducer"`
	} `positional-args:"yes" required:"yes"`
}

func (c *mutateCmd) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	d := openClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.AttachLink(Config.Coordinator.Dialer())
	d.SetConnectionEnabled(ctx, true)

	if err := d.Mutate(ctx, []byte(c.Args.Mutation)); err != nil {
		return err
	}

	// Give the link a moment to offer the new mutation upstream before
	// the process exits.
	time.Sleep(200 * time.Millisecond)
	return nil
}

type queryCmd struct {
	Args struct {
		SQL string `positional-arg-name:"sql" description:"Read-only SQL query to run against the replica"`
	} `positional-args:"yes" required:"yes"`
}

func (c *queryCmd) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	d := openClient()

	ctx := context.Background()
	return d.Query(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, c.Args.SQL)
		if err != nil {
			return err
		}
		defer rows.Close()
		return printRows(rows)
	})
}

func printRows(rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	table := tablewriter.NewTable(os.Stdout)
	table.Header(cols)

	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = fmt.Sprintf("%v", v)
		}
		table.Append(row)
	}

	table.Render()
	return rows.Err()
}

type statusCmd struct{}

func (c *statusCmd) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	d := openClient()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d.AttachLink(Config.Coordinator.Dialer())
	d.SetConnectionEnabled(ctx, true)
	time.Sleep(500 * time.Millisecond)

	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"doc id", "coordinator", "link state"})
	table.Append([]string{Config.Client.DocId, Config.Coordinator.Address, d.ConnectionStatus().String()})
	table.Render()
	return nil
}

func main() {
	parser := flags.NewParser(Config, flags.Default)

	_, err := parser.AddCommand("mutate", "Apply a mutation to the local replica", "", &mutateCmd{})
	mbp.Must(err, "failed to register mutate command")
	_, err = parser.AddCommand("query", "Run a read-only query against the local replica", "", &queryCmd{})
	mbp.Must(err, "failed to register query command")
	_, err = parser.AddCommand("status", "Report the local replica's link state", "", &statusCmd{})
	mbp.Must(err, "failed to register status command")

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `sqlsyncctl drives a local sqlsync client replica: apply mutations,
run read-only queries against the replicated database, and inspect the
replica's connection to its coordinator.`

	mbp.MustParseConfig(parser, iniFilename)
}
