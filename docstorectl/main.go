package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/docwire/docstore"
	"github.com/docwire/docstore/boltstore"
	"github.com/docwire/docstore/sqlitestore"
)

const DocStoreCtlVersion = "0.0.1"

const wsConnectTimeout = 15 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type CtlConfig struct {
	Store string `env:"DOCSTORECTL_STORE" envDefault:"mem"`
	Jwt   string `env:"DOCSTORECTL_JWT"`
}

func main() {
	usage := `Document store control.

The store address is one of:
    mem              in process store, not persistent
    bolt:<path>      local bbolt file
    sqlite:<path>    local sqlite file
    ws://<host>      store platform websocket (also wss://)

Usage:
    docstorectl get --collection=<collection> --doc=<doc_id>
        [--store=<store>] [--jwt=<jwt>]
    docstorectl put --collection=<collection> --doc=<doc_id>
        [--store=<store>] [--jwt=<jwt>] [<json>]
    docstorectl patch --collection=<collection> --doc=<doc_id>
        [--store=<store>] [--jwt=<jwt>] [<json>]
    docstorectl delete --collection=<collection> --doc=<doc_id>
        [--store=<store>] [--jwt=<jwt>]
    docstorectl exists --collection=<collection> --doc=<doc_id>
        [--store=<store>] [--jwt=<jwt>]
    docstorectl watch --collection=<collection> --doc=<doc_id>
        [--store=<store>] [--jwt=<jwt>]
        [--event_count=<event_count>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --collection=<collection>      Collection name.
    --doc=<doc_id>                 Document id.
    --store=<store>                Store address. Defaults to DOCSTORECTL_STORE.
    --jwt=<jwt>                    Platform JWT for ws stores. Defaults to DOCSTORECTL_JWT.
    --event_count=<event_count>    Print this many events then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocStoreCtlVersion)
	if err != nil {
		panic(err)
	}

	config := &CtlConfig{}
	if err := env.Parse(config); err != nil {
		panic(err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, closeTransport := openTransport(cancelCtx, config, opts)
	defer closeTransport()

	store := docstore.NewStoreWithDefaults(cancelCtx, transport)
	defer store.Close()

	collection, _ := opts.String("--collection")
	repository := docstore.NewRepositoryWithDefaults(store, collection, docstore.DocumentMapping())

	if get_, _ := opts.Bool("get"); get_ {
		get(cancelCtx, repository, opts)
	} else if put_, _ := opts.Bool("put"); put_ {
		put(cancelCtx, repository, opts)
	} else if patch_, _ := opts.Bool("patch"); patch_ {
		patch(cancelCtx, repository, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteDoc(cancelCtx, repository, opts)
	} else if exists_, _ := opts.Bool("exists"); exists_ {
		exists(cancelCtx, repository, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(cancelCtx, repository, opts)
	}
}

func openTransport(ctx context.Context, config *CtlConfig, opts docopt.Opts) (docstore.Transport, func()) {
	address := config.Store
	if address_, err := opts.String("--store"); err == nil && address_ != "" {
		address = address_
	}

	if address == "mem" {
		transport := docstore.NewMemoryTransportWithDefaults(ctx)
		return transport, transport.Close
	}
	if path, ok := strings.CutPrefix(address, "bolt:"); ok {
		store, err := boltstore.Open(ctx, path)
		if err != nil {
			panic(err)
		}
		return store, func() {
			store.Close()
		}
	}
	if path, ok := strings.CutPrefix(address, "sqlite:"); ok {
		store, err := sqlitestore.Open(ctx, path)
		if err != nil {
			panic(err)
		}
		return store, func() {
			store.Close()
		}
	}
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		auth := &docstore.ClientAuth{
			ByJwt:      requireJwt(config, opts),
			InstanceId: docstore.NewId(),
			AppVersion: fmt.Sprintf("docstorectl %s", DocStoreCtlVersion),
		}
		transport := docstore.NewWsTransportWithDefaults(ctx, address, auth)

		connectCtx, connectCancel := context.WithTimeout(ctx, wsConnectTimeout)
		defer connectCancel()
		if !transport.WaitForConnect(connectCtx) {
			transport.Close()
			panic(fmt.Errorf("could not connect to %s", address))
		}
		return transport, transport.Close
	}
	panic(fmt.Errorf("unknown store address %s", address))
}

func requireJwt(config *CtlConfig, opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	if config.Jwt != "" {
		return config.Jwt
	}

	fmt.Print("Enter jwt: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(jwtBytes)
}

func readDocArg(opts docopt.Opts) docstore.Document {
	var payload []byte
	if jsonStr, err := opts.String("<json>"); err == nil && jsonStr != "" {
		payload = []byte(jsonStr)
	} else {
		payload_, err := io.ReadAll(os.Stdin)
		if err != nil {
			panic(err)
		}
		payload = payload_
	}

	doc := docstore.Document{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		panic(fmt.Errorf("invalid document json: %w", err))
	}
	return doc
}

func printDoc(doc docstore.Document) {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		panic(err)
	}
	Out.Printf("%s", out)
}

func get(ctx context.Context, repository *docstore.Repository[docstore.Document], opts docopt.Opts) {
	docId, _ := opts.String("--doc")

	doc, err := repository.Read(ctx, docId)
	if err != nil {
		if docstore.ErrorCodeOf(err) == docstore.ErrorNotFound {
			fmt.Printf("Not found.\n")
			os.Exit(1)
		}
		panic(err)
	}
	printDoc(doc)
}

func put(ctx context.Context, repository *docstore.Repository[docstore.Document], opts docopt.Opts) {
	docId, _ := opts.String("--doc")
	doc := readDocArg(opts)

	result, err := repository.Write(ctx, docId, doc)
	if err != nil {
		panic(err)
	}
	printDoc(result)
}

func patch(ctx context.Context, repository *docstore.Repository[docstore.Document], opts docopt.Opts) {
	docId, _ := opts.String("--doc")
	fields := readDocArg(opts)

	result, err := repository.Patch(ctx, docId, fields)
	if err != nil {
		panic(err)
	}
	printDoc(result)
}

func deleteDoc(ctx context.Context, repository *docstore.Repository[docstore.Document], opts docopt.Opts) {
	docId, _ := opts.String("--doc")

	if err := repository.Delete(ctx, docId); err != nil {
		panic(err)
	}
	fmt.Printf("Deleted.\n")
}

func exists(ctx context.Context, repository *docstore.Repository[docstore.Document], opts docopt.Opts) {
	docId, _ := opts.String("--doc")

	exists, err := repository.Exists(ctx, docId)
	if err != nil {
		panic(err)
	}
	Out.Printf("%t", exists)
	if !exists {
		os.Exit(1)
	}
}

// stream document changes until the event count is reached or the watch ends
func watch(ctx context.Context, repository *docstore.Repository[docstore.Document], opts docopt.Opts) {
	docId, _ := opts.String("--doc")

	var eventCount int
	if eventCount_, err := opts.Int("--event_count"); err == nil {
		eventCount = eventCount_
	} else {
		eventCount = -1
	}

	typedWatch, err := repository.Watch(ctx, docId)
	if err != nil {
		panic(err)
	}
	defer typedWatch.Cancel()

	i := 0
	for event := range typedWatch.Events() {
		if event.Err != nil {
			if event.Terminal {
				fmt.Printf("Watch ended (%s).\n", event.Err)
				return
			}
			fmt.Printf("Watch error (%s).\n", event.Err)
		} else {
			printDoc(event.Model)
		}

		i += 1
		if 0 <= eventCount && eventCount <= i {
			return
		}
	}
}
