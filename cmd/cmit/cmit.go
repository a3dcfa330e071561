// Program cmit is a command-line client and demo daemon for CMIT servers.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/rs/zerolog"

	"github.com/cmitproto/cmit"
	"github.com/cmitproto/cmit/queue"
	"github.com/cmitproto/cmit/session"
)

var clientFlags struct {
	Data string `flag:"data,Request data (parsed as JSON if possible, else sent as a string)"`
}

var serveFlags struct {
	Config   string `flag:"config,Path to a TOML config file"`
	Socket   string `flag:"socket,Socket path to bind (overrides the config file)"`
	Threaded bool   `flag:"threaded,Serve each connection on its own worker"`
}

// serveConfig is the config.toml key mapping for the serve command.
type serveConfig struct {
	Socket   string `toml:"socket"`
	Threaded bool   `toml:"threaded"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `A client and demo server for the CMIT protocol.

Targets are socket locators: a bare filesystem path, or a path prefixed
with cmit:// or unix://. A path without an extension gets ".sock".`,

		Commands: []*command.C{
			{
				Name:  "ping",
				Usage: "<target>",
				Help:  "Check that the server at the target socket is responsive.",
				Run:   runPing,
			},
			{
				Name:     "execute",
				Usage:    "<target> <topic>",
				Help:     "Submit a task for the given topic.",
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runExecute,
			},
			{
				Name:  "poll",
				Usage: "<target> <topic>",
				Help:  "Report the queue status for the given topic.",
				Run:   runPoll,
			},
			{
				Name:     "serve",
				Help:     "Run a queue-backed demo server on a UNIX socket.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runPing(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("missing target socket")
	}
	rsp, err := session.Ping(env.Args[0])
	if err != nil {
		return err
	}
	printResponse(rsp)
	return nil
}

func runExecute(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required arguments are <target> <topic>")
	}
	rsp, err := session.Execute(env.Args[0], env.Args[1], parseData(clientFlags.Data), nil, nil)
	if err != nil {
		return err
	}
	printResponse(rsp)
	return nil
}

func runPoll(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required arguments are <target> <topic>")
	}
	rsp, err := session.Poll(env.Args[0], env.Args[1])
	if err != nil {
		return err
	}
	printResponse(rsp)
	return nil
}

func runServe(env *command.Env) error {
	cfg := serveConfig{Socket: cmit.DefaultSocketPath}
	if serveFlags.Config != "" {
		if _, err := toml.DecodeFile(serveFlags.Config, &cfg); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if serveFlags.Socket != "" {
		cfg.Socket = serveFlags.Socket
	}
	if serveFlags.Threaded {
		cfg.Threaded = true
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	srv := cmit.NewServer(cfg.Socket, &cmit.ServerOptions{
		Threaded: cfg.Threaded,
		Log: func(format string, args ...any) {
			logger.Info().Msgf(format, args...)
		},
	})

	store := queue.NewStore()
	execute, poll := queue.Handlers(store)
	srv.Handle("PING", cmit.PingHandler).
		Handle("EXECUTE", execute).
		Handle("POLL", poll)

	logger.Info().Str("socket", cfg.Socket).Bool("threaded", cfg.Threaded).Msg("starting server")
	return srv.ListenAndServe()
}

// parseData interprets a -data flag value: valid JSON is passed through
// as its decoded value, anything else as a literal string.
func parseData(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printResponse(rsp *session.Response) {
	fmt.Printf("%d %s [topic %s] (%v)\n", int(rsp.StatusCode), rsp.StatusCode.Phrase(), rsp.Topic, rsp.Elapsed)
	if p := rsp.Msg.Payload(); p != "" {
		fmt.Println(p)
	}
}
