package main

import (
	"Inkwell/backend/peer"
	"Inkwell/backend/peer/impl"
	"Inkwell/backend/registry/standard"
	"Inkwell/backend/storage"
	"Inkwell/backend/storage/bolt"
	"Inkwell/backend/storage/memory"
	"Inkwell/backend/transport"
	"Inkwell/backend/transport/udp"
	"Inkwell/backend/transport/ws"
	"Inkwell/backend/types"
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
	With().Timestamp().Logger()

func main() {
	app := &cli.App{
		Name:  "inkwell",
		Usage: "peer-to-peer collaborative text editing",
		Commands: []*cli.Command{
			serveCommand(),
			inspectCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("inkwell failed")
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a node and replicate a document with its peers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Value: "127.0.0.1:0", Usage: "address to listen on"},
			&cli.StringFlag{Name: "transport", Value: "udp", Usage: "udp or ws"},
			&cli.StringFlag{Name: "storage", Usage: "path of the database, in memory if empty"},
			&cli.StringSliceFlag{Name: "peers", Usage: "addresses of the known peers"},
			&cli.StringFlag{Name: "doc", Usage: "document to join, a new one is created if empty"},
			&cli.DurationFlag{Name: "heartbeat", Usage: "heartbeat interval, 0 to disable"},
			&cli.DurationFlag{Name: "peer-timeout", Usage: "silence after which a peer is offline"},
			&cli.DurationFlag{Name: "anti-entropy", Usage: "anti-entropy interval, 0 to disable"},
			&cli.DurationFlag{Name: "snapshot-interval", Usage: "snapshot interval, 0 to disable"},
			&cli.IntFlag{Name: "snapshot-threshold", Usage: "entries between snapshots, negative to disable"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: serve,
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "list the documents of a database",
		ArgsUsage: "<path>",
		Action:    inspect,
	}
}

func newTransport(name string) (transport.Transport, error) {
	switch name {
	case "udp":
		return udp.NewUDP(), nil
	case "ws":
		return ws.NewTransport(), nil
	default:
		return nil, xerrors.Errorf("unknown transport %q", name)
	}
}

func openStorage(path string) (storage.Storage, error) {
	if path == "" {
		return memory.NewStorage(), nil
	}

	s, err := bolt.NewStorage(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open storage: %v", err)
	}

	return s, nil
}

func serve(c *cli.Context) error {
	transp, err := newTransport(c.String("transport"))
	if err != nil {
		return err
	}

	store, err := openStorage(c.String("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	socket, err := transp.CreateSocket(c.String("address"))
	if err != nil {
		return xerrors.Errorf("failed to create socket: %v", err)
	}
	defer socket.Close()

	node := impl.NewPeer(peer.Configuration{
		Socket:              socket,
		MessageRegistry:     standard.NewRegistry(),
		Storage:             store,
		LogLevel:            c.String("log-level"),
		HeartbeatInterval:   c.Duration("heartbeat"),
		PeerTimeout:         c.Duration("peer-timeout"),
		AntiEntropyInterval: c.Duration("anti-entropy"),
		SnapshotInterval:    c.Duration("snapshot-interval"),
		SnapshotThreshold:   c.Int("snapshot-threshold"),
	})

	err = node.Start()
	if err != nil {
		return xerrors.Errorf("failed to start node: %v", err)
	}
	defer node.Stop()

	doc := c.String("doc")
	if doc == "" {
		doc, err = node.CreateDocument()
	} else {
		err = node.JoinDocument(doc)
	}
	if err != nil {
		return xerrors.Errorf("failed to open document: %v", err)
	}

	status, cancel := node.SubscribeStatus()
	defer cancel()

	node.AddPeer(c.StringSlice("peers")...)

	fmt.Printf("%s %s\n%s %s\n",
		color.New(color.Bold).Sprint("node:"), node.GetAddr(),
		color.New(color.Bold).Sprint("document:"), doc)

	lines := make(chan string)
	go readLines(lines)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case s := <-status:
			printStatus(s)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			err := appendLine(node, doc, line)
			if err != nil {
				logger.Error().Err(err).Msg("failed to edit")
			}
		case sig := <-sigs:
			logger.Info().Msgf("received %s, stopping", sig)
			return nil
		}
	}
}

// readLines sends every line of the standard input on out.
func readLines(out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func appendLine(node peer.Peer, doc string, line string) error {
	info, err := node.DocumentInfo(doc)
	if err != nil {
		return err
	}

	_, err = node.ApplyLocalEdit(doc, types.InsertText{Index: info.Length, Text: line + "\n"})
	if err != nil {
		return err
	}

	text, err := node.Text(doc)
	if err != nil {
		return err
	}

	fmt.Print(color.CyanString("%s", text))
	return nil
}

func printStatus(s types.SyncStatus) {
	var paint func(format string, a ...interface{}) string

	switch s.Status {
	case types.Online:
		paint = color.GreenString
	case types.Reconnecting:
		paint = color.YellowString
	default:
		paint = color.RedString
	}

	fmt.Printf("%s %s %s (%s)\n", color.New(color.Faint).Sprint(s.Document), s.Peer,
		paint("%s", s.Status), s.Phase)
}

func inspect(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.Errorf("expected the path of the database")
	}

	store, err := bolt.NewStorage(c.Args().First())
	if err != nil {
		return xerrors.Errorf("failed to open storage: %v", err)
	}
	defer store.Close()

	docs, err := store.Documents()
	if err != nil {
		return xerrors.Errorf("failed to list documents: %v", err)
	}
	sort.Strings(docs)

	title := color.New(color.Bold, color.FgBlue)
	for _, doc := range docs {
		snap, entries, err := store.Load(doc)
		if err != nil {
			return xerrors.Errorf("failed to load %s: %v", doc, err)
		}

		height := uint64(0)
		if snap != nil {
			height = snap.Height
		}

		fmt.Printf("%s\n  snapshot: %s\n  entries:  %s\n", title.Sprint(doc),
			color.YellowString("%d", height), color.YellowString("%d", len(entries)))
	}

	return nil
}
