package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	zclaim "github.com/zclaim/zclaim"
	"github.com/zclaim/zclaim/chainstore"
	zclaimcommon "github.com/zclaim/zclaim/common"
	"github.com/zclaim/zclaim/commitment"
	"github.com/zclaim/zclaim/config"
	"github.com/zclaim/zclaim/issue"
	"github.com/zclaim/zclaim/ledger"
	"github.com/zclaim/zclaim/log"
	"github.com/zclaim/zclaim/redeem"
	"github.com/zclaim/zclaim/relay"
	"github.com/zclaim/zclaim/vault"
	"github.com/zclaim/zclaim/zkverifier"
)

func start(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx)
	if err != nil {
		return err
	}

	log.Init(c.Log)

	if c.Log.Environment == log.EnvironmentDevelopment {
		zclaim.PrintVersion(os.Stdout)
		log.Info("Starting application")
	} else if c.Log.Environment == log.EnvironmentProduction {
		logVersion()
	}

	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	components := cliCtx.StringSlice(config.FlagComponents)

	store, err := chainstore.New(ctx, c.ChainStore)
	if err != nil {
		log.Fatalf("error creating chain store: %v", err)
	}
	defer store.Close()
	ldgr := ledger.New(store)

	go logReorgs(store.Subscribe(appName))

	g, gCtx := errgroup.WithContext(ctx)

	if isNeeded(components, zclaimcommon.RELAY) {
		client, err := relay.NewClient(ctx, c.Relay.SourceURL)
		if err != nil {
			log.Fatalf("error creating source chain client: %v", err)
		}
		defer client.Close()
		driver := relay.NewDriver(c.Relay, client, ldgr)
		g.Go(func() error {
			driver.Start(gCtx)
			return nil
		})
	}

	if isNeeded(components, zclaimcommon.ISSUE) || isNeeded(components, zclaimcommon.REDEEM) {
		verifier, err := zkverifier.NewGroth16Verifier(c.ZkVerifier.MintVKPath, c.ZkVerifier.BurnVKPath)
		if err != nil {
			log.Fatalf("error creating proof verifier: %v", err)
		}
		vaults, err := vault.NewRegistry(c.Vault.DBPath)
		if err != nil {
			log.Fatalf("error creating vault registry: %v", err)
		}
		defer vaults.Close()

		if isNeeded(components, zclaimcommon.ISSUE) {
			scheme := commitment.NewMiMCScheme()
			issueSM, err := issue.New(c.Issue, ldgr, scheme, verifier, vaults)
			if err != nil {
				log.Fatalf("error creating issue state machine: %v", err)
			}
			defer issueSM.Close()
			log.Infof("issue component ready (permit window %ds)", c.Issue.GetPermitWindow())
		}

		if isNeeded(components, zclaimcommon.REDEEM) {
			redeemSM, err := redeem.New(c.Redeem, ldgr, verifier, vaults)
			if err != nil {
				log.Fatalf("error creating redeem state machine: %v", err)
			}
			defer redeemSM.Close()
			log.Infof("redeem component ready (release timeout %ds)", c.Redeem.GetTimeout())
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func isNeeded(components []string, component string) bool {
	for _, c := range components {
		if c == component {
			return true
		}
	}
	return false
}

func logReorgs(sub *chainstore.Subscription) {
	for ev := range sub.ReorgedBlock {
		log.Warnf("source chain reorg: old tip %s, new tip %s, first reorged height %d",
			ev.OldTip, ev.NewTip, ev.FirstReorgedHeight)
	}
}

func logVersion() {
	v := zclaim.GetVersion()
	log.Infow("Starting application",
		"version", v.Version,
		"gitRevision", v.GitRev,
		"gitBranch", v.GitBranch,
		"goVersion", v.GoVersion,
		"built", v.BuildDate,
		"os/arch", v.OS+"/"+v.Arch,
	)
}
