// Command ashtrail serves and scores Ash Trail, the DBS2 path-trace
// minigame.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli"

	"github.com/dbs2/ashtrail/internal/api"
)

var logger = log.New(os.Stderr, "[ASHTRAIL] ", log.LstdFlags)

func main() {
	app := makeapp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func makeapp() *cli.App {
	app := cli.NewApp()
	app.Name = "ashtrail"
	app.Usage = "Ash Trail path-trace scoring service"
	app.Version = fmt.Sprintf("%s (commit %s, built %s)", api.EngineVersion, api.GitCommit, api.BuildTime)

	envFlag := cli.StringFlag{Name: "env", Value: ".env", Usage: "Optional .env file loaded before the environment"}

	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "Run the HTTP API",
			Flags: []cli.Flag{
				envFlag,
				cli.StringFlag{Name: "addr", Usage: "Listen address; overrides ASHTRAIL_ADDR"},
				cli.StringFlag{Name: "db", Usage: "SQLite database path; overrides ASHTRAIL_DB"},
			},
			Action: serveAction,
		},
		{
			Name:   "books",
			Usage:  "List the available books",
			Flags:  []cli.Flag{envFlag, cli.BoolFlag{Name: "json", Usage: "Print JSON instead of a table"}},
			Action: booksAction,
		},
		{
			Name:      "trail",
			Usage:     "Print a book's reference trail as JSON",
			ArgsUsage: "<book>",
			Flags: []cli.Flag{
				envFlag,
				cli.StringFlag{Name: "out, o", Usage: "Write to a file instead of stdout"},
			},
			Action: trailAction,
		},
		{
			Name:  "score",
			Usage: "Score a player path stored as a JSON polyline",
			Flags: []cli.Flag{
				envFlag,
				cli.StringFlag{Name: "player, p", Usage: "Player polyline file; required"},
				cli.StringFlag{Name: "book, b", Usage: "Book to score against"},
				cli.StringFlag{Name: "reference, r", Usage: "Reference polyline file, instead of a book"},
			},
			Action: scoreAction,
		},
		{
			Name:  "rescore",
			Usage: "Re-score stored runs against the current trails",
			Flags: []cli.Flag{
				envFlag,
				cli.StringFlag{Name: "db", Usage: "SQLite database path; overrides ASHTRAIL_DB"},
				cli.StringFlag{Name: "book, b", Usage: "Only runs of this book"},
				cli.StringFlag{Name: "op", Value: "ge", Usage: "Target operation: eq gt ge lt le between outside"},
				cli.IntFlag{Name: "val", Usage: "Target score"},
				cli.IntFlag{Name: "val2", Usage: "Upper bound for between and outside"},
				cli.IntFlag{Name: "limit", Usage: "Maximum hits to report; 0 for all"},
				cli.IntFlag{Name: "max-runs", Usage: "Maximum runs to evaluate; 0 for all"},
				cli.DurationFlag{Name: "timeout", Usage: "Stop evaluating after this long"},
				cli.BoolFlag{Name: "apply", Usage: "Write changed scores back"},
			},
			Action: rescoreAction,
		},
		{
			Name:      "ghost",
			Usage:     "Run a ghost script against a book",
			ArgsUsage: "<script.js>",
			Flags: []cli.Flag{
				envFlag,
				cli.StringFlag{Name: "book, b", Value: "wave", Usage: "Book to trace"},
				cli.Float64Flag{Name: "max-speed", Usage: "Speed cap in grid units per second"},
				cli.BoolFlag{Name: "realtime", Usage: "Pace ticks with the wall clock"},
				cli.BoolFlag{Name: "path", Usage: "Include the sampled path in the output"},
			},
			Action: ghostAction,
		},
		{
			Name:  "login",
			Usage: "Store the backend token for a profile",
			Flags: []cli.Flag{
				envFlag,
				cli.StringFlag{Name: "profile", Usage: "Credential profile; overrides ASHTRAIL_PROFILE"},
				cli.StringFlag{Name: "token", Usage: "Backend bearer token; read from stdin when empty"},
				cli.StringFlag{Name: "player", Usage: "Player id to verify the token against"},
				cli.BoolFlag{Name: "logout", Usage: "Remove the stored credentials instead"},
			},
			Action: loginAction,
		},
	}

	return app
}
