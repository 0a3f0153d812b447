// Command poolctl is an operator CLI for inspecting and repairing the
// account pool's on-disk state: list accounts, remove one, force a
// refresh, or run the liveness probes, without starting the status API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/relaycore/antigravity-pool/internal/cmd"
	"github.com/relaycore/antigravity-pool/internal/config"
	"github.com/relaycore/antigravity-pool/internal/liveness"
	"github.com/relaycore/antigravity-pool/internal/pool"
	"github.com/relaycore/antigravity-pool/internal/refresher"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	subcommand := strings.ToLower(strings.TrimSpace(os.Args[1]))

	fs := flag.NewFlagSet("poolctl "+subcommand, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the pool configuration file")
	jsonOut := fs.Bool("json", false, "output JSON instead of a table")
	id := fs.String("id", "", "account email or ID substring (refresh) / index (remove)")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	store := pool.NewStore(cfg.StateDir + "/accounts.json")

	switch subcommand {
	case "list":
		if err := cmd.ListAccounts(store, *jsonOut); err != nil {
			fatal(err)
		}
	case "remove":
		index, err := strconv.Atoi(*id)
		if err != nil {
			fatal(fmt.Errorf("-id must be a numeric index for remove: %w", err))
		}
		p := pool.NewPool()
		if storage, ok := store.Load(); ok {
			p.Hydrate(storage)
		}
		if err := cmd.RemoveAccount(store, p, index); err != nil {
			fatal(err)
		}
	case "refresh":
		p := pool.NewPool()
		if storage, ok := store.Load(); ok {
			p.Hydrate(storage)
		}
		r := &refresher.Refresher{
			Timeout:      cfg.RefreshTimeout,
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
		}
		results, err := cmd.RefreshTokens(context.Background(), p, store, r, *id, *jsonOut)
		if err != nil {
			fatal(err)
		}
		for _, res := range results {
			fmt.Printf("%-28s success=%v %s\n", res.Email, res.Success, res.Error)
		}
	case "test":
		p := pool.NewPool()
		if storage, ok := store.Load(); ok {
			p.Hydrate(storage)
		}
		results, err := cmd.TestAccounts(context.Background(), p, store, &liveness.Prober{}, *id)
		if err != nil {
			fatal(err)
		}
		for _, res := range results {
			fmt.Printf("%-28s %s\n", res.Email, res.Result)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: poolctl <list|remove|refresh|test> [-config path] [-id value] [-json]")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
